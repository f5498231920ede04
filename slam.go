// Package slam is a sparse visual SLAM back end: it detects when the
// camera revisits a mapped place, reconciles accumulated drift across the
// shared keyframe map, merges duplicate landmarks and re-optimizes the map
// in the background, concurrently with external tracking and local
// mapping.
package slam

import (
	"io"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"

	"go.viam.com/slam/kfdb"
	"go.viam.com/slam/loopclose"
	"go.viam.com/slam/matcher"
	"go.viam.com/slam/sim3solver"
	"go.viam.com/slam/sparsemap"
)

// System owns the loop-closing pipeline over a shared map. Tracking and
// local mapping run outside and feed it keyframes through InsertKeyframe.
type System struct {
	m           *sparsemap.Map
	db          loopclose.KeyframeDatabase
	localMapper loopclose.LocalMapper
	loopCloser  *loopclose.LoopCloser
	logger      golog.Logger
}

// New starts a system over the given map with the in-tree place
// recognition, matching and RANSAC components. The optimizer and local
// mapper stay external. A nil cfg takes the defaults.
func New(
	m *sparsemap.Map,
	optimizer loopclose.Optimizer,
	localMapper loopclose.LocalMapper,
	cfg *loopclose.AttrConfig,
	logger golog.Logger,
) (*System, error) {
	db := kfdb.New()
	mt := matcher.New(m)
	newSolver := func(current, candidate *sparsemap.Keyframe, sm *sparsemap.Map, matches []int64, fixScale bool) loopclose.Sim3Solver {
		return sim3solver.New(current, candidate, sm, matches, fixScale)
	}

	lc, err := loopclose.NewLoopCloser(m, db, mt, newSolver, optimizer, localMapper, cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Start()

	return &System{
		m:           m,
		db:          db,
		localMapper: localMapper,
		loopCloser:  lc,
		logger:      logger,
	}, nil
}

// Map returns the shared map.
func (s *System) Map() *sparsemap.Map {
	return s.m
}

// InsertKeyframe queues a keyframe for loop detection.
func (s *System) InsertKeyframe(kf *sparsemap.Keyframe) {
	s.loopCloser.InsertKeyframe(kf)
}

// RequestReset drops queued keyframes, clears the place-recognition index
// and forgets loop state, blocking until acknowledged.
func (s *System) RequestReset() {
	s.loopCloser.RequestReset()
	s.db.Clear()
}

// OptimizationRunning reports whether a global optimization round is in
// flight, letting the owner decide whether to wait before finalizing
// output.
func (s *System) OptimizationRunning() bool {
	return s.loopCloser.OptimizationRunning()
}

// OptimizationFinished reports whether the last global optimization round
// committed.
func (s *System) OptimizationFinished() bool {
	return s.loopCloser.OptimizationFinished()
}

// Close shuts the pipeline down and releases the local mapper if it is
// closeable.
func (s *System) Close() error {
	err := s.loopCloser.Close()
	if closer, ok := s.localMapper.(io.Closer); ok {
		err = multierr.Combine(err, closer.Close())
	}
	return err
}
