package loopclose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"go.viam.com/slam/sparsemap"
)

// GlobalBA is the asynchronous, cancellable, round-versioned full bundle
// adjustment task. At most one task exists per map; Run starts a new round
// and Stop invalidates whatever round is in flight without blocking on it.
type GlobalBA struct {
	m           *sparsemap.Map
	optimizer   Optimizer
	localMapper LocalMapper
	cfg         *AttrConfig
	logger      golog.Logger

	mu       sync.Mutex
	running  bool
	finished bool
	round    int
	stop     atomic.Bool

	activeBackgroundWorkers sync.WaitGroup
}

// NewGlobalBA returns an idle task bound to the map.
func NewGlobalBA(m *sparsemap.Map, optimizer Optimizer, localMapper LocalMapper, cfg *AttrConfig, logger golog.Logger) *GlobalBA {
	return &GlobalBA{
		m:           m,
		optimizer:   optimizer,
		localMapper: localMapper,
		cfg:         cfg,
		logger:      logger,
		finished:    true,
	}
}

// Run starts a new optimization round anchored at the given keyframe. The
// anchor ID tags every keyframe and landmark the round is authoritative
// for.
func (g *GlobalBA) Run(ctx context.Context, anchorID int64) {
	g.mu.Lock()
	g.running = true
	g.finished = false
	g.stop.Store(false)
	round := g.round
	g.mu.Unlock()

	g.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		g.run(ctx, anchorID, round)
	}, g.activeBackgroundWorkers.Done)
}

// Stop cancels the in-flight round and immediately invalidates its ability
// to commit by advancing the round index. It never blocks on the worker.
func (g *GlobalBA) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stop.Store(true)
	g.round++
}

// Running reports whether a round is currently in flight.
func (g *GlobalBA) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Finished reports whether the last started round committed.
func (g *GlobalBA) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}

// Wait blocks until no worker is in flight, for orderly shutdown.
func (g *GlobalBA) Wait() {
	g.activeBackgroundWorkers.Wait()
}

func (g *GlobalBA) run(ctx context.Context, anchorID int64, round int) {
	g.logger.Info("starting global bundle adjustment")

	g.optimizer.GlobalBundleAdjustment(g.m, g.cfg.BAIterations, &g.stop, anchorID, false)

	g.mu.Lock()
	defer g.mu.Unlock()
	if round != g.round {
		// a Stop arrived while the solver ran; the round is stale and its
		// results are discarded wholesale
		return
	}

	if !g.stop.Load() {
		g.logger.Info("global bundle adjustment finished, updating map")

		// Local mapping was active during the adjustment, so keyframes may
		// exist that the solver never saw. Pause it and propagate the
		// correction through the spanning tree.
		g.localMapper.RequestPause()
		for !g.localMapper.Paused() && !g.localMapper.Finished() {
			if !goutils.SelectContextOrWait(ctx, time.Millisecond) {
				return
			}
		}

		g.m.LockUpdate()
		g.commit(anchorID)
		g.m.UnlockUpdate()

		g.localMapper.Resume()
		g.logger.Info("map updated")
	}

	g.finished = true
	g.running = false
}

// commit rewrites every keyframe pose and landmark position from the
// optimized results, deriving poses for keyframes the solver never saw
// from their spanning-tree parents. Caller holds the map-update lock.
func (g *GlobalBA) commit(anchorID int64) {
	queue := g.m.Origins()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		kf := g.m.Keyframe(id)
		if kf == nil {
			continue
		}
		if kf.BAGlobalForKF != anchorID {
			// an origin the solver skipped keeps its pose
			kf.PoseGBA = kf.Pose()
			kf.BAGlobalForKF = anchorID
		}

		twc := kf.Pose().Invert()
		for _, childID := range kf.Children() {
			child := g.m.Keyframe(childID)
			if child == nil {
				continue
			}
			if child.BAGlobalForKF != anchorID {
				// compose the pre-optimization relative pose onto the
				// parent's committed pose
				rel := child.Pose().Compose(twc)
				child.PoseGBA = rel.Compose(kf.PoseGBA)
				child.BAGlobalForKF = anchorID
			}
			queue = append(queue, childID)
		}

		kf.PoseBeforeGBA = kf.Pose()
		kf.SetPose(kf.PoseGBA)
	}

	for _, lm := range g.m.GetAllLandmarks() {
		if lm.Bad() {
			continue
		}
		if lm.BAGlobalForKF == anchorID {
			lm.SetPosition(lm.PosGBA)
			continue
		}
		// not directly optimized: reconstruct camera-relative coordinates
		// with the reference keyframe's pre-optimization pose, then
		// reproject through its committed pose
		ref := g.m.Keyframe(lm.ReferenceKeyframe())
		if ref == nil || ref.BAGlobalForKF != anchorID {
			continue
		}
		camPoint := ref.PoseBeforeGBA.TransformPoint(lm.Position())
		lm.SetPosition(ref.Pose().Invert().TransformPoint(camPoint))
	}

	g.m.InformStructuralChange()
}
