// Package loopclose implements the loop-closing and map-correction
// pipeline: detecting that the camera revisited a mapped place, verifying
// the revisit geometrically, reconciling accumulated drift across the map,
// merging duplicate landmarks and re-optimizing in the background, all
// while tracking and local mapping keep using the same map.
package loopclose

import (
	"sync/atomic"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

// KeyframeDatabase is the place-recognition index.
type KeyframeDatabase interface {
	// Add indexes a processed keyframe.
	Add(kf *sparsemap.Keyframe)
	// DetectLoopCandidates returns keyframes scoring at least minScore
	// against the query, excluding the query's covisible neighborhood.
	DetectLoopCandidates(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe
	// Score is the similarity of two place-recognition descriptors in [0,1].
	Score(a, b []float64) float64
	// Clear drops the index, for map resets.
	Clear()
}

// Matcher finds feature correspondences. Correspondence sets are slices
// indexed by the current keyframe's keypoint slots holding landmark IDs,
// zero meaning no match.
type Matcher interface {
	MatchByIndex(current, candidate *sparsemap.Keyframe) []int64
	MatchBySim3(current, candidate *sparsemap.Keyframe, matches []int64, scm spatialmath.Sim3, radius float64) int
	MatchByProjection(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, matches []int64, radius float64) int
	Fuse(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, radius float64) []int64
}

// Sim3Solver is one RANSAC similarity estimation between two keyframes.
type Sim3Solver interface {
	// Iterate runs up to n iterations, reporting a model and inlier mask
	// once one reaches the inlier floor.
	Iterate(n int) (spatialmath.Sim3, []bool, bool)
	// Terminate reports an exhausted iteration budget.
	Terminate() bool
}

// Sim3SolverFactory builds a solver for a candidate's correspondence set.
type Sim3SolverFactory func(current, candidate *sparsemap.Keyframe, m *sparsemap.Map, matches []int64, fixScale bool) Sim3Solver

// Optimizer is the nonlinear least-squares back end. Only call contracts
// are specified here; implementations live outside this module.
type Optimizer interface {
	// RefineSim3 numerically refines transform over all current
	// correspondences, pruning those whose error exceeds maxError, and
	// returns the surviving inlier count. The transform is updated in
	// place.
	RefineSim3(current, candidate *sparsemap.Keyframe, matches []int64, transform *spatialmath.Sim3, maxError float64, fixScale bool) int

	// GlobalBundleAdjustment optimizes every non-bad keyframe pose and
	// landmark position, checking stop at solver checkpoints. Results go to
	// the entities' PoseGBA/PosGBA fields tagged with anchorID, never to
	// the live pose fields.
	GlobalBundleAdjustment(m *sparsemap.Map, iterations int, stop *atomic.Bool, anchorID int64, robustKernel bool)

	// OptimizeEssentialGraph runs pose-graph optimization over the
	// spanning tree, covisibility and loop edges, constrained by the
	// uncorrected/corrected transform pairs and the new loop connections.
	OptimizeEssentialGraph(
		m *sparsemap.Map,
		matched, current *sparsemap.Keyframe,
		uncorrected, corrected map[int64]spatialmath.Sim3,
		loopConnections map[int64]map[int64]bool,
		fixScale bool,
	)
}

// LocalMapper is the incremental local-mapping collaborator. The pause
// protocol: request a pause, poll Paused until confirmed, mutate the map,
// then Resume. Once paused it never touches the map lock.
type LocalMapper interface {
	RequestPause()
	Paused() bool
	Finished() bool
	Resume()
}
