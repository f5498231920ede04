package loopclose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/slam/sparsemap"
)

const idleWait = 5 * time.Millisecond

// LoopCloser is the driving loop of the pipeline. It consumes an inbound
// keyframe queue on a dedicated background goroutine, sequences detection
// and correction, and services asynchronous reset and finish requests.
type LoopCloser struct {
	m         *sparsemap.Map
	db        KeyframeDatabase
	detector  *Detector
	corrector *Corrector
	gba       *GlobalBA
	logger    golog.Logger

	queueMu sync.Mutex
	queue   []*sparsemap.Keyframe

	lastLoopKFID int64

	resetRequested  atomic.Bool
	finishRequested atomic.Bool
	finished        atomic.Bool

	cancelCtx               context.Context
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
	startOnce               sync.Once
	closeOnce               sync.Once
}

// NewLoopCloser wires the whole pipeline over the shared map. Call Start
// to begin consuming keyframes.
func NewLoopCloser(
	m *sparsemap.Map,
	db KeyframeDatabase,
	mt Matcher,
	newSolver Sim3SolverFactory,
	optimizer Optimizer,
	localMapper LocalMapper,
	cfg *AttrConfig,
	logger golog.Logger,
) (*LoopCloser, error) {
	if m == nil || db == nil || mt == nil || newSolver == nil || optimizer == nil || localMapper == nil {
		return nil, errors.New("loop closer requires a map and all collaborators")
	}
	if cfg == nil {
		cfg = DefaultAttrConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	gba := NewGlobalBA(m, optimizer, localMapper, cfg, logger)
	lc := &LoopCloser{
		m:         m,
		db:        db,
		detector:  NewDetector(m, db, mt, newSolver, optimizer, cfg, logger),
		corrector: NewCorrector(m, mt, optimizer, gba, localMapper, cfg, logger),
		gba:       gba,
		logger:    logger,
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	lc.finished.Store(true)
	return lc, nil
}

// Start launches the main loop. Safe to call once; later calls no-op.
func (lc *LoopCloser) Start() {
	lc.startOnce.Do(func() {
		lc.finished.Store(false)
		lc.activeBackgroundWorkers.Add(1)
		goutils.ManagedGo(func() {
			lc.run(lc.cancelCtx)
		}, lc.activeBackgroundWorkers.Done)
	})
}

func (lc *LoopCloser) run(ctx context.Context) {
	for {
		if kf := lc.popKeyframe(); kf != nil {
			// protect the keyframe while detection references it
			kf.SetNotErase()

			loop, found := lc.detector.Detect(kf, lc.lastLoopKFID)

			// every processed keyframe becomes a future loop candidate
			lc.db.Add(kf)

			if found {
				lc.corrector.Correct(ctx, kf, loop)
				lc.lastLoopKFID = kf.ID()
			} else {
				kf.SetErase()
			}
		}

		lc.resetIfRequested()

		if lc.finishRequested.Load() {
			break
		}
		if !goutils.SelectContextOrWait(ctx, idleWait) {
			break
		}
	}
	lc.finished.Store(true)
}

// InsertKeyframe queues a keyframe for loop detection. The very first
// keyframe anchors the spanning tree and is never checked against itself.
func (lc *LoopCloser) InsertKeyframe(kf *sparsemap.Keyframe) {
	if kf.ID() == 0 {
		return
	}
	lc.queueMu.Lock()
	defer lc.queueMu.Unlock()
	lc.queue = append(lc.queue, kf)
}

func (lc *LoopCloser) popKeyframe() *sparsemap.Keyframe {
	lc.queueMu.Lock()
	defer lc.queueMu.Unlock()
	if len(lc.queue) == 0 {
		return nil
	}
	kf := lc.queue[0]
	lc.queue = lc.queue[1:]
	return kf
}

func (lc *LoopCloser) resetIfRequested() {
	if !lc.resetRequested.Load() {
		return
	}
	lc.queueMu.Lock()
	lc.queue = nil
	lc.queueMu.Unlock()
	lc.lastLoopKFID = 0
	lc.detector.Reset()
	lc.resetRequested.Store(false)
}

// RequestReset asks the main loop to drop queued keyframes and forget the
// last accepted loop, then blocks until the loop acknowledges.
func (lc *LoopCloser) RequestReset() {
	lc.resetRequested.Store(true)
	for lc.resetRequested.Load() {
		if !goutils.SelectContextOrWait(lc.cancelCtx, idleWait) {
			return
		}
	}
}

// RequestFinish asks the main loop to exit. Acknowledged asynchronously;
// poll Finished.
func (lc *LoopCloser) RequestFinish() {
	lc.finishRequested.Store(true)
}

// Finished reports whether the main loop has exited.
func (lc *LoopCloser) Finished() bool {
	return lc.finished.Load()
}

// OptimizationRunning reports whether a global optimization round is in
// flight.
func (lc *LoopCloser) OptimizationRunning() bool {
	return lc.gba.Running()
}

// OptimizationFinished reports whether the last global optimization round
// committed.
func (lc *LoopCloser) OptimizationFinished() bool {
	return lc.gba.Finished()
}

// Close requests a finish and waits for the main loop and any in-flight
// optimization worker to exit.
func (lc *LoopCloser) Close() error {
	lc.closeOnce.Do(func() {
		lc.RequestFinish()
		lc.activeBackgroundWorkers.Wait()
		lc.gba.Wait()
		lc.cancel()
	})
	return nil
}
