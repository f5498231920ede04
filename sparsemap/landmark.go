package sparsemap

import (
	"sync"

	"github.com/golang/geo/r3"
)

// Landmark is a 3-D point in the map, observed by one or more keyframes.
// IDs are positive; zero in a keyframe slot means no landmark.
type Landmark struct {
	id         int64
	descriptor []float64

	mu           sync.Mutex
	position     r3.Vector
	observations map[int64]int
	refKF        int64
	bad          bool

	// Correction and optimization bookkeeping. Each field tags the anchor
	// keyframe of the pass that last touched this landmark, so a pass applies
	// at most once. Written under the map-update lock.
	LoopPointForKF     int64
	CorrectedByKF      int64
	CorrectedReference int64
	PosGBA             r3.Vector
	BAGlobalForKF      int64
}

// NewLandmark returns a landmark at the given world position. The reference
// keyframe anchors position recomputation after global optimization.
func NewLandmark(id int64, position r3.Vector, refKF int64, descriptor []float64) *Landmark {
	return &Landmark{
		id:             id,
		descriptor:     descriptor,
		position:       position,
		observations:   map[int64]int{},
		refKF:          refKF,
		LoopPointForKF: NoID,
		CorrectedByKF:  NoID,
		BAGlobalForKF:  NoID,
	}
}

// ID returns the landmark's identifier.
func (lm *Landmark) ID() int64 { return lm.id }

// Descriptor returns the landmark's representative feature descriptor.
func (lm *Landmark) Descriptor() []float64 { return lm.descriptor }

// Position returns the current world position.
func (lm *Landmark) Position() r3.Vector {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.position
}

// SetPosition rewrites the world position.
func (lm *Landmark) SetPosition(p r3.Vector) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.position = p
}

// ReferenceKeyframe returns the landmark's designated reference keyframe.
func (lm *Landmark) ReferenceKeyframe() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.refKF
}

// SetReferenceKeyframe re-anchors the landmark to another keyframe.
func (lm *Landmark) SetReferenceKeyframe(id int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.refKF = id
}

// AddObservation records that the keyframe observes this landmark at the
// given keypoint slot.
func (lm *Landmark) AddObservation(kfID int64, slot int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.observations[kfID] = slot
}

// EraseObservation removes a keyframe's observation.
func (lm *Landmark) EraseObservation(kfID int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.observations, kfID)
	if lm.refKF == kfID {
		lm.refKF = NoID
		for id := range lm.observations {
			lm.refKF = id
			break
		}
	}
}

// Observations returns a copy of the (keyframe, slot) observation map.
func (lm *Landmark) Observations() map[int64]int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[int64]int, len(lm.observations))
	for id, slot := range lm.observations {
		out[id] = slot
	}
	return out
}

// ObservedBy reports whether the keyframe observes this landmark and at
// which slot.
func (lm *Landmark) ObservedBy(kfID int64) (int, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	slot, ok := lm.observations[kfID]
	return slot, ok
}

// ObservationCount returns how many keyframes observe this landmark.
func (lm *Landmark) ObservationCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.observations)
}

// Bad reports whether the landmark has been logically deleted.
func (lm *Landmark) Bad() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.bad
}

func (lm *Landmark) setBad() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.bad = true
}
