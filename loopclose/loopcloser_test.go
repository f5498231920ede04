package loopclose_test

import (
	"sync/atomic"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/slam/loopclose"
	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
	"go.viam.com/slam/testutils/inject"
)

func TestNewLoopCloserRequiresCollaborators(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()
	mt, newSolver, opt := acceptingCollaborators(25, 40)
	db := &inject.KeyframeDatabase{AddFunc: func(kf *sparsemap.Keyframe) {}}
	lmapper := &inject.LocalMapper{}

	_, err := loopclose.NewLoopCloser(nil, db, mt, newSolver, opt, lmapper, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = loopclose.NewLoopCloser(m, db, nil, newSolver, opt, lmapper, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad := loopclose.DefaultAttrConfig()
	bad.MinTotalMatches = 0
	_, err = loopclose.NewLoopCloser(m, db, mt, newSolver, opt, lmapper, bad, logger)
	test.That(t, err, test.ShouldNotBeNil)

	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, opt, lmapper, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lc.Close(), test.ShouldBeNil)
}

func TestLoopCloserIndexesProcessedKeyframes(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()

	var added atomic.Int64
	db := &inject.KeyframeDatabase{
		AddFunc: func(kf *sparsemap.Keyframe) { added.Add(1) },
		DetectLoopCandidatesFunc: func(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
			return nil
		},
		ScoreFunc: func(a, b []float64) float64 { return 1 },
	}
	mt, newSolver, opt := acceptingCollaborators(25, 40)
	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, opt, &inject.LocalMapper{}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	lc.Start()
	defer func() {
		test.That(t, lc.Close(), test.ShouldBeNil)
	}()

	kf := newTestKeyframe(5, 10)
	m.AddKeyframe(kf)
	lc.InsertKeyframe(kf)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, added.Load(), test.ShouldEqual, 1)
	})
	// the keyframe failed detection, so its protection is released
	test.That(t, kf.EraseProtected(), test.ShouldBeFalse)
}

func TestLoopCloserSkipsFirstKeyframe(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()

	var added atomic.Int64
	db := &inject.KeyframeDatabase{
		AddFunc: func(kf *sparsemap.Keyframe) { added.Add(1) },
		DetectLoopCandidatesFunc: func(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
			return nil
		},
		ScoreFunc: func(a, b []float64) float64 { return 1 },
	}
	mt, newSolver, opt := acceptingCollaborators(25, 40)
	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, opt, &inject.LocalMapper{}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	lc.Start()

	origin := newTestKeyframe(0, 10)
	m.AddKeyframe(origin)
	lc.InsertKeyframe(origin)

	later := newTestKeyframe(3, 10)
	m.AddKeyframe(later)
	lc.InsertKeyframe(later)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, added.Load(), test.ShouldEqual, 1)
	})
	test.That(t, lc.Close(), test.ShouldBeNil)
	// only the non-origin keyframe was ever processed
	test.That(t, added.Load(), test.ShouldEqual, 1)
}

func TestLoopCloserClosesDetectedLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()

	candidate := newTestKeyframe(2, 30)
	m.AddKeyframe(candidate)
	for i := 0; i < 5; i++ {
		lm := m.NewLandmarkAt(r3.Vector{X: float64(i), Y: 0, Z: 5}, candidate.ID(), []float64{0.5})
		observe(m, candidate, i, lm)
	}

	db := &inject.KeyframeDatabase{
		AddFunc: func(kf *sparsemap.Keyframe) {},
		DetectLoopCandidatesFunc: func(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
			return []*sparsemap.Keyframe{candidate}
		},
		ScoreFunc: func(a, b []float64) float64 { return 1 },
	}
	mt, newSolver, opt := acceptingCollaborators(25, 40)
	mt.FuseFunc = func(kf *sparsemap.Keyframe, scw spatialmath.Sim3, landmarks []int64, radius float64) []int64 {
		return make([]int64, len(landmarks))
	}
	cfg := loopclose.DefaultAttrConfig()
	cfg.MinConsistency = 1
	lmapper := &inject.LocalMapper{PausedFunc: func() bool { return true }}
	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, opt, lmapper, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	lc.Start()

	current := newTestKeyframe(40, 30)
	m.AddKeyframe(current)
	lc.InsertKeyframe(current)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, current.LoopEdges(), test.ShouldResemble, []int64{candidate.ID()})
	})
	test.That(t, lc.Close(), test.ShouldBeNil)
	test.That(t, lc.OptimizationRunning(), test.ShouldBeFalse)
	test.That(t, lc.OptimizationFinished(), test.ShouldBeTrue)
}

func TestLoopCloserReset(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()

	db := &inject.KeyframeDatabase{
		AddFunc: func(kf *sparsemap.Keyframe) {},
		DetectLoopCandidatesFunc: func(kf *sparsemap.Keyframe, minScore float64) []*sparsemap.Keyframe {
			return nil
		},
		ScoreFunc: func(a, b []float64) float64 { return 1 },
	}
	mt, newSolver, opt := acceptingCollaborators(25, 40)
	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, opt, &inject.LocalMapper{}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	lc.Start()

	// blocks until the main loop acknowledges
	lc.RequestReset()
	test.That(t, lc.Close(), test.ShouldBeNil)
	test.That(t, lc.Finished(), test.ShouldBeTrue)
}
