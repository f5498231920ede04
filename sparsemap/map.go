package sparsemap

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
)

// covisibilityThreshold is the minimum number of shared landmark
// observations for a covisibility edge. A keyframe with no neighbor over
// the threshold keeps an edge to its single best neighbor.
const covisibilityThreshold = 15

// Map is the arena of all live keyframes and landmarks.
//
// Two locks with distinct jobs: the update lock (LockUpdate/UnlockUpdate)
// serializes bulk structural rewrites and globally consistent snapshots, in
// the manner of a transaction; the landmark-ID lock only serializes
// identifier allocation so landmark creation never stalls on unrelated
// structural edits. Container access is additionally guarded internally so
// point lookups stay safe without the update lock.
type Map struct {
	mu        sync.RWMutex
	keyframes map[int64]*Keyframe
	landmarks map[int64]*Landmark
	origins   []int64

	updateMu sync.Mutex

	landmarkIDMu   sync.Mutex
	nextLandmarkID int64

	version atomic.Int64
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		keyframes: map[int64]*Keyframe{},
		landmarks: map[int64]*Landmark{},
	}
}

// LockUpdate acquires the map-update lock. Hold it across any structural
// mutation or bulk pose/position rewrite, and across reads that need a
// globally consistent snapshot.
func (m *Map) LockUpdate() { m.updateMu.Lock() }

// UnlockUpdate releases the map-update lock.
func (m *Map) UnlockUpdate() { m.updateMu.Unlock() }

// NewLandmarkID allocates the next landmark identifier. IDs start at 1.
func (m *Map) NewLandmarkID() int64 {
	m.landmarkIDMu.Lock()
	defer m.landmarkIDMu.Unlock()
	m.nextLandmarkID++
	return m.nextLandmarkID
}

// AddKeyframe registers a keyframe. The first keyframe added becomes an
// origin, a root of the spanning tree.
func (m *Map) AddKeyframe(kf *Keyframe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keyframes) == 0 {
		m.origins = append(m.origins, kf.ID())
	}
	m.keyframes[kf.ID()] = kf
}

// AddLandmark registers a landmark.
func (m *Map) AddLandmark(lm *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks[lm.ID()] = lm
}

// Keyframe resolves a keyframe by ID; nil when erased or unknown.
func (m *Map) Keyframe(id int64) *Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes[id]
}

// Landmark resolves a landmark by ID; nil when erased or unknown.
func (m *Map) Landmark(id int64) *Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.landmarks[id]
}

// GetAllKeyframes returns all live keyframes.
func (m *Map) GetAllKeyframes() []*Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Keyframe, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	return out
}

// GetAllLandmarks returns all live landmarks.
func (m *Map) GetAllLandmarks() []*Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Landmark, 0, len(m.landmarks))
	for _, lm := range m.landmarks {
		out = append(out, lm)
	}
	return out
}

// Origins returns the spanning-tree root keyframes.
func (m *Map) Origins() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, len(m.origins))
	copy(out, m.origins)
	return out
}

// KeyframeCount returns the number of live keyframes.
func (m *Map) KeyframeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// InformStructuralChange bumps the structural version. Call once per
// committed correction or optimization round.
func (m *Map) InformStructuralChange() {
	m.version.Add(1)
}

// GetVersion returns the monotone structural version, the only externally
// observable signal that the map changed shape.
func (m *Map) GetVersion() int64 {
	return m.version.Load()
}

// EraseKeyframe marks a keyframe bad and removes it from the arena.
// Children re-parent by covisibility election rooted at the erased
// keyframe's own parent, neighbors drop their covisibility edges and
// observed landmarks lose the observation. An erase-protected keyframe is
// left untouched.
func (m *Map) EraseKeyframe(id int64) {
	kf := m.Keyframe(id)
	if kf == nil || kf.EraseProtected() {
		return
	}
	kf.setBad()

	for nid := range kf.ConnectedKeyframeIDs() {
		if n := m.Keyframe(nid); n != nil {
			n.eraseConnection(id)
		}
	}
	// Each child elects its strongest covisible keyframe among those
	// already re-attached, starting from the erased keyframe's own parent;
	// children with no such edge fall back to that parent directly.
	parentID := kf.Parent()
	orphans := map[int64]bool{}
	for _, childID := range kf.Children() {
		orphans[childID] = true
	}
	elected := map[int64]bool{}
	if parentID != NoID {
		elected[parentID] = true
	}
	for len(orphans) > 0 {
		bestWeight := 0
		var bestChild, bestParent int64
		for childID := range orphans {
			child := m.Keyframe(childID)
			if child == nil {
				continue
			}
			for candID := range elected {
				if w := child.Weight(candID); w > bestWeight {
					bestWeight, bestChild, bestParent = w, childID, candID
				}
			}
		}
		if bestWeight == 0 {
			break
		}
		child := m.Keyframe(bestChild)
		child.setParent(bestParent)
		m.Keyframe(bestParent).addChild(bestChild)
		elected[bestChild] = true
		delete(orphans, bestChild)
	}
	for childID := range orphans {
		child := m.Keyframe(childID)
		if child == nil {
			continue
		}
		child.setParent(parentID)
		if parent := m.Keyframe(parentID); parent != nil {
			parent.addChild(childID)
		}
	}
	if parent := m.Keyframe(parentID); parent != nil {
		parent.eraseChild(id)
	}
	for _, lmID := range kf.Slots() {
		if lmID == 0 {
			continue
		}
		if lm := m.Landmark(lmID); lm != nil {
			lm.EraseObservation(id)
		}
	}

	m.mu.Lock()
	delete(m.keyframes, id)
	m.mu.Unlock()
}

// EraseLandmark marks a landmark bad, detaches it from its observers and
// removes it from the arena.
func (m *Map) EraseLandmark(id int64) {
	lm := m.Landmark(id)
	if lm == nil {
		return
	}
	lm.setBad()
	for kfID, slot := range lm.Observations() {
		if kf := m.Keyframe(kfID); kf != nil && kf.LandmarkID(slot) == id {
			kf.ClearLandmark(slot)
		}
	}
	m.mu.Lock()
	delete(m.landmarks, id)
	m.mu.Unlock()
}

// ReplaceLandmark merges the duplicate landmark into the kept one: every
// observation moves over unless the observer already sees the kept
// landmark, then the duplicate is erased. Replacing an already-merged or
// unknown duplicate is a no-op, so the operation is idempotent.
func (m *Map) ReplaceLandmark(duplicateID, keepID int64) {
	if duplicateID == keepID {
		return
	}
	dup := m.Landmark(duplicateID)
	keep := m.Landmark(keepID)
	if dup == nil || keep == nil {
		return
	}
	for kfID, slot := range dup.Observations() {
		kf := m.Keyframe(kfID)
		if kf == nil {
			continue
		}
		if _, seen := keep.ObservedBy(kfID); seen {
			kf.ClearLandmark(slot)
		} else {
			kf.SetLandmark(slot, keepID)
			keep.AddObservation(kfID, slot)
		}
	}
	dup.setBad()
	m.mu.Lock()
	delete(m.landmarks, duplicateID)
	m.mu.Unlock()
}

// UpdateConnections recomputes a keyframe's covisibility edges from its
// current landmark observations. Edge weight is the shared-landmark count.
// On a keyframe's first update it also gets its spanning-tree parent, the
// heaviest covisible neighbor.
func (m *Map) UpdateConnections(kf *Keyframe) {
	counter := map[int64]int{}
	for _, lmID := range kf.Slots() {
		if lmID == 0 {
			continue
		}
		lm := m.Landmark(lmID)
		if lm == nil || lm.Bad() {
			continue
		}
		for obsKF := range lm.Observations() {
			if obsKF != kf.ID() {
				counter[obsKF]++
			}
		}
	}
	if len(counter) == 0 {
		return
	}

	var bestID int64 = NoID
	bestWeight := 0
	conns := map[int64]int{}
	for id, w := range counter {
		if w > bestWeight || (w == bestWeight && id < bestID) {
			bestID, bestWeight = id, w
		}
		if w >= covisibilityThreshold {
			conns[id] = w
		}
	}
	if len(conns) == 0 {
		conns[bestID] = bestWeight
	}

	kf.setConnections(conns)
	for id, w := range conns {
		if other := m.Keyframe(id); other != nil {
			other.addConnection(kf.ID(), w)
		}
	}

	if kf.Parent() == NoID && !m.isOrigin(kf.ID()) {
		if parent := m.Keyframe(bestID); parent != nil {
			kf.setParent(bestID)
			parent.addChild(kf.ID())
		}
	}
}

func (m *Map) isOrigin(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.origins {
		if o == id {
			return true
		}
	}
	return false
}

// NewLandmarkAt allocates an identifier and registers a landmark in one
// step, for callers that grow the map.
func (m *Map) NewLandmarkAt(position r3.Vector, refKF int64, descriptor []float64) *Landmark {
	lm := NewLandmark(m.NewLandmarkID(), position, refKF, descriptor)
	m.AddLandmark(lm)
	return lm
}
