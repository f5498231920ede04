// Package inject provides collaborator fakes with overridable function
// fields for testing the loop-closing pipeline.
package inject

import (
	"sync/atomic"

	"go.viam.com/slam/loopclose"
	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

// LocalMapper is an injected local mapper. Its default behavior pauses
// immediately on request.
type LocalMapper struct {
	RequestPauseFunc func()
	PausedFunc       func() bool
	FinishedFunc     func() bool
	ResumeFunc       func()

	paused atomic.Bool
}

// RequestPause calls the injected RequestPause or pauses immediately.
func (lm *LocalMapper) RequestPause() {
	if lm.RequestPauseFunc == nil {
		lm.paused.Store(true)
		return
	}
	lm.RequestPauseFunc()
}

// Paused calls the injected Paused or reports the default pause state.
func (lm *LocalMapper) Paused() bool {
	if lm.PausedFunc == nil {
		return lm.paused.Load()
	}
	return lm.PausedFunc()
}

// Finished calls the injected Finished or returns false.
func (lm *LocalMapper) Finished() bool {
	if lm.FinishedFunc == nil {
		return false
	}
	return lm.FinishedFunc()
}

// Resume calls the injected Resume or clears the default pause state.
func (lm *LocalMapper) Resume() {
	if lm.ResumeFunc == nil {
		lm.paused.Store(false)
		return
	}
	lm.ResumeFunc()
}

// Optimizer is an injected optimizer. Defaults are no-ops; RefineSim3
// reports the current match count unchanged.
type Optimizer struct {
	RefineSim3Func func(current, candidate *sparsemap.Keyframe, matches []int64, transform *spatialmath.Sim3, maxError float64, fixScale bool) int

	GlobalBundleAdjustmentFunc func(m *sparsemap.Map, iterations int, stop *atomic.Bool, anchorID int64, robustKernel bool)

	OptimizeEssentialGraphFunc func(
		m *sparsemap.Map,
		matched, current *sparsemap.Keyframe,
		uncorrected, corrected map[int64]spatialmath.Sim3,
		loopConnections map[int64]map[int64]bool,
		fixScale bool,
	)
}

// RefineSim3 calls the injected RefineSim3 or counts the given matches.
func (o *Optimizer) RefineSim3(current, candidate *sparsemap.Keyframe, matches []int64, transform *spatialmath.Sim3, maxError float64, fixScale bool) int {
	if o.RefineSim3Func == nil {
		n := 0
		for _, id := range matches {
			if id != 0 {
				n++
			}
		}
		return n
	}
	return o.RefineSim3Func(current, candidate, matches, transform, maxError, fixScale)
}

// GlobalBundleAdjustment calls the injected GlobalBundleAdjustment or
// does nothing.
func (o *Optimizer) GlobalBundleAdjustment(m *sparsemap.Map, iterations int, stop *atomic.Bool, anchorID int64, robustKernel bool) {
	if o.GlobalBundleAdjustmentFunc == nil {
		return
	}
	o.GlobalBundleAdjustmentFunc(m, iterations, stop, anchorID, robustKernel)
}

// OptimizeEssentialGraph calls the injected OptimizeEssentialGraph or
// does nothing.
func (o *Optimizer) OptimizeEssentialGraph(
	m *sparsemap.Map,
	matched, current *sparsemap.Keyframe,
	uncorrected, corrected map[int64]spatialmath.Sim3,
	loopConnections map[int64]map[int64]bool,
	fixScale bool,
) {
	if o.OptimizeEssentialGraphFunc == nil {
		return
	}
	o.OptimizeEssentialGraphFunc(m, matched, current, uncorrected, corrected, loopConnections, fixScale)
}

// Sim3Solver is an injected RANSAC solver.
type Sim3Solver struct {
	IterateFunc   func(n int) (spatialmath.Sim3, []bool, bool)
	TerminateFunc func() bool
}

// Iterate calls the injected Iterate or reports no model.
func (s *Sim3Solver) Iterate(n int) (spatialmath.Sim3, []bool, bool) {
	if s.IterateFunc == nil {
		return spatialmath.Sim3{}, nil, false
	}
	return s.IterateFunc(n)
}

// Terminate calls the injected Terminate or reports an exhausted budget.
func (s *Sim3Solver) Terminate() bool {
	if s.TerminateFunc == nil {
		return true
	}
	return s.TerminateFunc()
}

// KeyframeDatabase is an injected place-recognition index.
type KeyframeDatabase struct {
	loopclose.KeyframeDatabase
	AddFunc                  func(kf *sparsemap.Keyframe)
	DetectLoopCandidatesFunc func(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe
	ScoreFunc                func(a, b []float64) float64
	ClearFunc                func()
}

// Add calls the injected Add or the real version.
func (db *KeyframeDatabase) Add(kf *sparsemap.Keyframe) {
	if db.AddFunc == nil {
		db.KeyframeDatabase.Add(kf)
		return
	}
	db.AddFunc(kf)
}

// DetectLoopCandidates calls the injected DetectLoopCandidates or the real
// version.
func (db *KeyframeDatabase) DetectLoopCandidates(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
	if db.DetectLoopCandidatesFunc == nil {
		return db.KeyframeDatabase.DetectLoopCandidates(kf, minScore)
	}
	return db.DetectLoopCandidatesFunc(kf, minScore)
}

// Score calls the injected Score or the real version.
func (db *KeyframeDatabase) Score(a, b []float64) float64 {
	if db.ScoreFunc == nil {
		return db.KeyframeDatabase.Score(a, b)
	}
	return db.ScoreFunc(a, b)
}

// Clear calls the injected Clear or the real version.
func (db *KeyframeDatabase) Clear() {
	if db.ClearFunc == nil {
		db.KeyframeDatabase.Clear()
		return
	}
	db.ClearFunc()
}

// Matcher is an injected feature matcher.
type Matcher struct {
	loopclose.Matcher
	MatchByIndexFunc      func(current, candidate *sparsemap.Keyframe) []int64
	MatchBySim3Func       func(current, candidate *sparsemap.Keyframe, matches []int64, scm spatialmath.Sim3, radius float64) int
	MatchByProjectionFunc func(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, matches []int64, radius float64) int
	FuseFunc              func(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, radius float64) []int64
}

// MatchByIndex calls the injected MatchByIndex or the real version.
func (mt *Matcher) MatchByIndex(current, candidate *sparsemap.Keyframe) []int64 {
	if mt.MatchByIndexFunc == nil {
		return mt.Matcher.MatchByIndex(current, candidate)
	}
	return mt.MatchByIndexFunc(current, candidate)
}

// MatchBySim3 calls the injected MatchBySim3 or the real version.
func (mt *Matcher) MatchBySim3(current, candidate *sparsemap.Keyframe, matches []int64, scm spatialmath.Sim3, radius float64) int {
	if mt.MatchBySim3Func == nil {
		return mt.Matcher.MatchBySim3(current, candidate, matches, scm, radius)
	}
	return mt.MatchBySim3Func(current, candidate, matches, scm, radius)
}

// MatchByProjection calls the injected MatchByProjection or the real
// version.
func (mt *Matcher) MatchByProjection(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, matches []int64, radius float64) int {
	if mt.MatchByProjectionFunc == nil {
		return mt.Matcher.MatchByProjection(kf, scw, landmarks, matches, radius)
	}
	return mt.MatchByProjectionFunc(kf, scw, landmarks, matches, radius)
}

// Fuse calls the injected Fuse or the real version.
func (mt *Matcher) Fuse(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, radius float64) []int64 {
	if mt.FuseFunc == nil {
		return mt.Matcher.Fuse(kf, scw, landmarks, radius)
	}
	return mt.FuseFunc(kf, scw, landmarks, radius)
}
