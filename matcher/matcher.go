// Package matcher finds feature correspondences between keyframes and
// landmarks, by slot index, by a similarity transform, or by projection.
// All correspondence sets are slices indexed by the current keyframe's
// keypoint slots, holding matched landmark IDs (zero for no match).
package matcher

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

const (
	defaultRatio       = 0.75
	defaultMaxDistance = 0.5
)

// Matcher matches descriptors over a shared map.
type Matcher struct {
	m           *sparsemap.Map
	ratio       float64
	maxDistance float64
}

// New returns a matcher with the default ratio test and descriptor
// distance threshold.
func New(m *sparsemap.Map) *Matcher {
	return &Matcher{m: m, ratio: defaultRatio, maxDistance: defaultMaxDistance}
}

// NewWithThresholds returns a matcher with explicit ratio-test and
// descriptor-distance thresholds.
func NewWithThresholds(m *sparsemap.Map, ratio, maxDistance float64) *Matcher {
	return &Matcher{m: m, ratio: ratio, maxDistance: maxDistance}
}

func distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 2)
}

// MatchByIndex matches the current keyframe's keypoints against the
// candidate's landmark-bearing keypoints by descriptor distance with a
// ratio test. The result maps current slots to candidate landmark IDs.
func (mt *Matcher) MatchByIndex(current, candidate *sparsemap.Keyframe) []int64 {
	matches := make([]int64, len(current.Keypoints()))
	candSlots := candidate.Slots()
	candKps := candidate.Keypoints()

	type claim struct {
		slot int
		dist float64
	}
	claimed := map[int64]claim{}

	for i, kp := range current.Keypoints() {
		best, second := math.Inf(1), math.Inf(1)
		var bestLM int64
		for j, lmID := range candSlots {
			if lmID == 0 || j >= len(candKps) {
				continue
			}
			lm := mt.m.Landmark(lmID)
			if lm == nil || lm.Bad() {
				continue
			}
			d := distance(kp.Descriptor, candKps[j].Descriptor)
			if d < best {
				second = best
				best, bestLM = d, lmID
			} else if d < second {
				second = d
			}
		}
		if bestLM == 0 || best > mt.maxDistance || best >= mt.ratio*second {
			continue
		}
		// keep only the closest claim per candidate landmark
		if prev, ok := claimed[bestLM]; ok {
			if prev.dist <= best {
				continue
			}
			matches[prev.slot] = 0
		}
		claimed[bestLM] = claim{i, best}
		matches[i] = bestLM
	}
	return matches
}

// MatchBySim3 extends a correspondence set with a guided search in both
// directions: the candidate's landmarks are projected through scm
// (candidate camera to current camera) into the current keyframe, the
// current keyframe's landmarks through the inverse into the candidate, and
// only pairs where both directions agree are kept. Returns the number of
// matches added.
func (mt *Matcher) MatchBySim3(
	current, candidate *sparsemap.Keyframe,
	matches []int64,
	scm spatialmath.Sim3,
	radius float64,
) int {
	existing := map[int64]bool{}
	for _, id := range matches {
		if id != 0 {
			existing[id] = true
		}
	}

	curSlots := current.Slots()
	candSlots := candidate.Slots()
	curPose := current.Pose()
	candPose := candidate.Pose()
	mcs := scm.Invert()

	// current landmarks into the candidate image
	forward := make([]int, len(curSlots))
	for i, lmID := range curSlots {
		forward[i] = -1
		if lmID == 0 || (i < len(matches) && matches[i] != 0) {
			continue
		}
		lm := mt.m.Landmark(lmID)
		if lm == nil || lm.Bad() {
			continue
		}
		pc := mcs.TransformPoint(curPose.TransformPoint(lm.Position()))
		if slot, ok := mt.bestLandmarkSlot(candidate, nil, pc, lm.Descriptor(), radius); ok {
			forward[i] = slot
		}
	}

	// candidate landmarks into the current image
	backward := make([]int, len(candSlots))
	for j, lmID := range candSlots {
		backward[j] = -1
		if lmID == 0 || existing[lmID] {
			continue
		}
		lm := mt.m.Landmark(lmID)
		if lm == nil || lm.Bad() {
			continue
		}
		pc := scm.TransformPoint(candPose.TransformPoint(lm.Position()))
		if slot, ok := mt.bestLandmarkSlot(current, matches, pc, lm.Descriptor(), radius); ok {
			backward[j] = slot
		}
	}

	added := 0
	for i, j := range forward {
		if j < 0 || backward[j] != i {
			continue
		}
		matches[i] = candSlots[j]
		added++
	}
	return added
}

// MatchByProjection projects world landmarks through scw (world to the
// keyframe's camera, as a similarity) and fills free correspondence slots
// within the pixel radius. Returns the total match count afterwards.
func (mt *Matcher) MatchByProjection(
	kf *sparsemap.Keyframe,
	scw spatialmath.Sim3,
	landmarks []int64,
	matches []int64,
	radius float64,
) int {
	existing := map[int64]bool{}
	for _, id := range matches {
		if id != 0 {
			existing[id] = true
		}
	}

	for _, lmID := range landmarks {
		if lmID == 0 || existing[lmID] {
			continue
		}
		lm := mt.m.Landmark(lmID)
		if lm == nil || lm.Bad() {
			continue
		}
		pc := scw.TransformPoint(lm.Position())
		if slot, ok := mt.bestFreeSlot(kf, matches, pc, lm.Descriptor(), radius); ok {
			matches[slot] = lmID
			existing[lmID] = true
		}
	}

	total := 0
	for _, id := range matches {
		if id != 0 {
			total++
		}
	}
	return total
}

// Fuse projects the landmarks into the keyframe through scw and searches
// for duplicates within the pixel radius. A landmark landing on an occupied
// slot reports the resident landmark for replacement; one landing on a free
// slot is attached directly. The result is aligned with the input.
func (mt *Matcher) Fuse(
	kf *sparsemap.Keyframe,
	scw spatialmath.Sim3,
	landmarks []int64,
	radius float64,
) []int64 {
	replaced := make([]int64, len(landmarks))
	for idx, lmID := range landmarks {
		if lmID == 0 {
			continue
		}
		lm := mt.m.Landmark(lmID)
		if lm == nil || lm.Bad() {
			continue
		}
		if _, seen := lm.ObservedBy(kf.ID()); seen {
			continue
		}
		pc := scw.TransformPoint(lm.Position())
		slot, ok := mt.bestSlot(kf, pc, lm.Descriptor(), radius)
		if !ok {
			continue
		}
		if resident := kf.LandmarkID(slot); resident != 0 && resident != lmID {
			replaced[idx] = resident
		} else if resident == 0 {
			kf.SetLandmark(slot, lmID)
			lm.AddObservation(kf.ID(), slot)
		}
	}
	return replaced
}

// bestFreeSlot finds the unmatched keypoint slot closest in descriptor
// space within the pixel radius of the projected camera-frame point.
func (mt *Matcher) bestFreeSlot(
	kf *sparsemap.Keyframe,
	matches []int64,
	cameraPoint r3.Vector,
	desc []float64,
	radius float64,
) (int, bool) {
	u, v, ok := kf.Camera().Project(cameraPoint)
	if !ok {
		return 0, false
	}
	best := math.Inf(1)
	bestSlot := -1
	for i, kp := range kf.Keypoints() {
		if i < len(matches) && matches[i] != 0 {
			continue
		}
		if math.Hypot(kp.X-u, kp.Y-v) > radius {
			continue
		}
		if d := distance(desc, kp.Descriptor); d < best && d <= mt.maxDistance {
			best, bestSlot = d, i
		}
	}
	if bestSlot < 0 {
		return 0, false
	}
	return bestSlot, true
}

// bestLandmarkSlot is bestFreeSlot restricted to landmark-bearing
// keypoints, for the mutual-agreement search. A nil matches slice skips the
// already-claimed check.
func (mt *Matcher) bestLandmarkSlot(
	kf *sparsemap.Keyframe,
	matches []int64,
	cameraPoint r3.Vector,
	desc []float64,
	radius float64,
) (int, bool) {
	u, v, ok := kf.Camera().Project(cameraPoint)
	if !ok {
		return 0, false
	}
	slots := kf.Slots()
	best := math.Inf(1)
	bestSlot := -1
	for i, kp := range kf.Keypoints() {
		if i >= len(slots) || slots[i] == 0 {
			continue
		}
		if i < len(matches) && matches[i] != 0 {
			continue
		}
		if math.Hypot(kp.X-u, kp.Y-v) > radius {
			continue
		}
		if d := distance(desc, kp.Descriptor); d < best && d <= mt.maxDistance {
			best, bestSlot = d, i
		}
	}
	if bestSlot < 0 {
		return 0, false
	}
	return bestSlot, true
}

// bestSlot is bestFreeSlot without the free-slot requirement, used when
// fusing against possibly occupied slots.
func (mt *Matcher) bestSlot(
	kf *sparsemap.Keyframe,
	cameraPoint r3.Vector,
	desc []float64,
	radius float64,
) (int, bool) {
	u, v, ok := kf.Camera().Project(cameraPoint)
	if !ok {
		return 0, false
	}
	best := math.Inf(1)
	bestSlot := -1
	for i, kp := range kf.Keypoints() {
		if math.Hypot(kp.X-u, kp.Y-v) > radius {
			continue
		}
		if d := distance(desc, kp.Descriptor); d < best && d <= mt.maxDistance {
			best, bestSlot = d, i
		}
	}
	if bestSlot < 0 {
		return 0, false
	}
	return bestSlot, true
}
