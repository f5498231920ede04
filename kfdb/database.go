// Package kfdb indexes keyframes for place recognition. Every processed
// keyframe is added; loop candidates are keyframes whose place-recognition
// descriptor scores above an adaptive floor, outside the query keyframe's
// own covisible neighborhood.
package kfdb

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"go.viam.com/slam/sparsemap"
)

// Database is a mutex-guarded index over keyframe descriptors.
type Database struct {
	mu      sync.Mutex
	entries map[int64]*sparsemap.Keyframe
}

// New returns an empty database.
func New() *Database {
	return &Database{entries: map[int64]*sparsemap.Keyframe{}}
}

// Add indexes a keyframe.
func (db *Database) Add(kf *sparsemap.Keyframe) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries[kf.ID()] = kf
}

// Erase removes a keyframe from the index.
func (db *Database) Erase(kfID int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.entries, kfID)
}

// Clear drops the whole index, for map resets.
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = map[int64]*sparsemap.Keyframe{}
}

// Score returns the similarity of two place-recognition descriptor vectors
// in [0,1]. Vectors of mismatched length or zero norm score 0.
func (db *Database) Score(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	s := floats.Dot(a, b) / (na * nb)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// DetectLoopCandidates returns indexed keyframes scoring at least minScore
// against the query, excluding the query itself and its covisible
// neighborhood, ordered best first.
func (db *Database) DetectLoopCandidates(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
	neighborhood := kf.ConnectedKeyframeIDs()

	db.mu.Lock()
	defer db.mu.Unlock()

	type scored struct {
		kf    *sparsemap.Keyframe
		score float64
	}
	var candidates []scored
	for id, entry := range db.entries {
		if id == kf.ID() || neighborhood[id] || entry.Bad() {
			continue
		}
		if s := db.Score(kf.Descriptor(), entry.Descriptor()); s >= minScore {
			candidates = append(candidates, scored{entry, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].kf.ID() < candidates[j].kf.ID()
	})

	out := make([]*sparsemap.Keyframe, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.kf)
	}
	return out
}
