// Package sparsemap holds the shared keyframe/landmark graph mutated
// concurrently by tracking, local mapping and loop closing. Keyframes and
// landmarks live in an arena inside Map and refer to each other by ID; an
// erased entity simply stops resolving.
package sparsemap

import (
	"sort"
	"sync"

	"go.viam.com/slam/spatialmath"
)

// NoID marks an unset keyframe or landmark reference. Landmark IDs are
// allocated starting at 1 so a zero slot also means "empty".
const NoID int64 = -1

// Keypoint is a single detected image feature of a keyframe.
type Keypoint struct {
	X          float64
	Y          float64
	Descriptor []float64
}

// Keyframe is a retained camera pose with its observations, a node of the
// covisibility graph and of the spanning tree.
type Keyframe struct {
	id         int64
	camera     PinholeIntrinsics
	descriptor []float64
	keypoints  []Keypoint

	mu          sync.Mutex
	pose        spatialmath.Pose
	slots       []int64
	connections map[int64]int
	parent      int64
	children    map[int64]bool
	loopEdges   map[int64]bool
	notErase    bool
	bad         bool

	// Global bundle adjustment bookkeeping. Written by the optimizer and the
	// commit walk only, always under the map-update lock.
	PoseGBA       spatialmath.Pose
	PoseBeforeGBA spatialmath.Pose
	BAGlobalForKF int64
}

// NewKeyframe returns a keyframe with one empty landmark slot per keypoint.
// The descriptor is the place-recognition vector for the whole frame.
func NewKeyframe(id int64, pose spatialmath.Pose, camera PinholeIntrinsics, descriptor []float64, keypoints []Keypoint) *Keyframe {
	return &Keyframe{
		id:            id,
		camera:        camera,
		descriptor:    descriptor,
		keypoints:     keypoints,
		pose:          pose,
		slots:         make([]int64, len(keypoints)),
		connections:   map[int64]int{},
		parent:        NoID,
		children:      map[int64]bool{},
		loopEdges:     map[int64]bool{},
		BAGlobalForKF: NoID,
	}
}

// ID returns the keyframe's monotonically assigned identifier.
func (kf *Keyframe) ID() int64 { return kf.id }

// Camera returns the intrinsics the keyframe was captured with.
func (kf *Keyframe) Camera() PinholeIntrinsics { return kf.camera }

// Descriptor returns the place-recognition descriptor vector.
func (kf *Keyframe) Descriptor() []float64 { return kf.descriptor }

// Keypoints returns the keyframe's image features. Callers must not mutate.
func (kf *Keyframe) Keypoints() []Keypoint { return kf.keypoints }

// Pose returns the current world-to-camera pose.
func (kf *Keyframe) Pose() spatialmath.Pose {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.pose
}

// SetPose rewrites the stored pose.
func (kf *Keyframe) SetPose(p spatialmath.Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.pose = p
}

// LandmarkID returns the landmark associated with the given keypoint slot,
// or zero when the slot is empty.
func (kf *Keyframe) LandmarkID(slot int) int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if slot < 0 || slot >= len(kf.slots) {
		return 0
	}
	return kf.slots[slot]
}

// SetLandmark associates a landmark with a keypoint slot.
func (kf *Keyframe) SetLandmark(slot int, lmID int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if slot >= 0 && slot < len(kf.slots) {
		kf.slots[slot] = lmID
	}
}

// ClearLandmark empties a keypoint slot.
func (kf *Keyframe) ClearLandmark(slot int) {
	kf.SetLandmark(slot, 0)
}

// Slots returns a copy of the per-slot landmark associations.
func (kf *Keyframe) Slots() []int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]int64, len(kf.slots))
	copy(out, kf.slots)
	return out
}

// CovisibleKeyframeIDs returns the connected keyframes ordered by edge
// weight, heaviest first.
func (kf *Keyframe) CovisibleKeyframeIDs() []int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]int64, 0, len(kf.connections))
	for id := range kf.connections {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := kf.connections[out[i]], kf.connections[out[j]]
		if wi != wj {
			return wi > wj
		}
		return out[i] < out[j]
	})
	return out
}

// ConnectedKeyframeIDs returns the covisible neighbor set.
func (kf *Keyframe) ConnectedKeyframeIDs() map[int64]bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make(map[int64]bool, len(kf.connections))
	for id := range kf.connections {
		out[id] = true
	}
	return out
}

// Weight returns the covisibility edge weight to the given keyframe.
func (kf *Keyframe) Weight(id int64) int {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.connections[id]
}

func (kf *Keyframe) setConnections(conns map[int64]int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.connections = conns
}

func (kf *Keyframe) addConnection(id int64, weight int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.connections[id] = weight
}

func (kf *Keyframe) eraseConnection(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.connections, id)
}

// Parent returns the spanning-tree parent, or NoID at a tree root.
func (kf *Keyframe) Parent() int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.parent
}

func (kf *Keyframe) setParent(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.parent = id
}

// Children returns the spanning-tree children.
func (kf *Keyframe) Children() []int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]int64, 0, len(kf.children))
	for id := range kf.children {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (kf *Keyframe) addChild(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.children[id] = true
}

func (kf *Keyframe) eraseChild(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.children, id)
}

// AddLoopEdge records a loop-closure edge to another keyframe. A keyframe
// with loop edges is never released for erasure.
func (kf *Keyframe) AddLoopEdge(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.notErase = true
	kf.loopEdges[id] = true
}

// LoopEdges returns the keyframes joined to this one by loop closures.
func (kf *Keyframe) LoopEdges() []int64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	out := make([]int64, 0, len(kf.loopEdges))
	for id := range kf.loopEdges {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetNotErase protects the keyframe from deletion while an in-flight
// computation references it.
func (kf *Keyframe) SetNotErase() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.notErase = true
}

// SetErase releases erase protection. The protection stays in place while
// the keyframe participates in a loop edge.
func (kf *Keyframe) SetErase() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if len(kf.loopEdges) == 0 {
		kf.notErase = false
	}
}

// EraseProtected reports whether the keyframe is currently protected.
func (kf *Keyframe) EraseProtected() bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.notErase
}

// Bad reports whether the keyframe has been logically deleted.
func (kf *Keyframe) Bad() bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.bad
}

func (kf *Keyframe) setBad() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.bad = true
}
