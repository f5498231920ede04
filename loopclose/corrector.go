package loopclose

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

// Corrector reconciles accumulated drift across the map once a loop has
// been verified: it propagates the corrective transform through the
// current keyframe's covisible neighborhood, fuses duplicate landmarks
// from both sides of the loop, optimizes the pose graph and kicks off a
// full background re-optimization.
type Corrector struct {
	m           *sparsemap.Map
	matcher     Matcher
	optimizer   Optimizer
	gba         *GlobalBA
	localMapper LocalMapper
	cfg         *AttrConfig
	logger      golog.Logger
}

// NewCorrector wires a corrector over the shared map and collaborators.
func NewCorrector(
	m *sparsemap.Map,
	mt Matcher,
	optimizer Optimizer,
	gba *GlobalBA,
	localMapper LocalMapper,
	cfg *AttrConfig,
	logger golog.Logger,
) *Corrector {
	return &Corrector{
		m:           m,
		matcher:     mt,
		optimizer:   optimizer,
		gba:         gba,
		localMapper: localMapper,
		cfg:         cfg,
		logger:      logger,
	}
}

// Correct applies a verified loop to the map. Only called after Detect
// succeeds.
func (c *Corrector) Correct(ctx context.Context, current *sparsemap.Keyframe, loop Loop) {
	c.logger.Infow("loop detected", "current", current.ID(), "matched", loop.MatchedKF.ID())

	// No new keyframes or landmarks while the graph is rewritten, and a
	// stale full optimization must not race an in-progress correction.
	c.localMapper.RequestPause()
	if c.gba.Running() {
		c.gba.Stop()
	}
	for !c.localMapper.Paused() {
		if !goutils.SelectContextOrWait(ctx, time.Millisecond) {
			c.localMapper.Resume()
			return
		}
	}

	// detection added landmark matches, so the edges may have changed
	c.m.UpdateConnections(current)

	connected := current.CovisibleKeyframeIDs()
	connected = append(connected, current.ID())

	// Snapshot each neighbor's pose both ways: uncorrected as stored, and
	// corrected by composing its relative pose to the current keyframe
	// with the loop transform. Landmark repositioning needs both.
	corrected := map[int64]spatialmath.Sim3{current.ID(): loop.Scw}
	uncorrected := map[int64]spatialmath.Sim3{}
	twc := current.Pose().Invert()

	c.m.LockUpdate()
	for _, id := range connected {
		kf := c.m.Keyframe(id)
		if kf == nil {
			continue
		}
		tiw := kf.Pose()
		if id != current.ID() {
			tic := tiw.Compose(twc)
			corrected[id] = spatialmath.Sim3FromPose(tic).Compose(loop.Scw)
		}
		uncorrected[id] = spatialmath.Sim3FromPose(tiw)
	}

	// Reposition every landmark observed from inside the neighborhood:
	// reconstruct camera-relative coordinates with the uncorrected
	// observer pose, reproject with the corrected one. Correcting world
	// positions directly would double-count the drift already in the
	// stored poses.
	for id, correctedSiw := range corrected {
		kf := c.m.Keyframe(id)
		if kf == nil {
			continue
		}
		correction := correctedSiw.Invert().Compose(uncorrected[id])
		for _, lmID := range kf.Slots() {
			if lmID == 0 {
				continue
			}
			lm := c.m.Landmark(lmID)
			if lm == nil || lm.Bad() || lm.CorrectedByKF == current.ID() {
				continue
			}
			lm.SetPosition(correction.TransformPoint(lm.Position()))
			lm.CorrectedByKF = current.ID()
			lm.CorrectedReference = id
		}

		// store the corrected pose, converting similarity scale into an
		// isotropic translation rescale: [R t/s]
		kf.SetPose(correctedSiw.Pose())
		c.m.UpdateConnections(kf)
	}

	// Fuse the verified correspondences: replace the current keyframe's
	// duplicate landmarks with the loop's, or attach where the slot is
	// empty.
	for slot, loopLMID := range loop.Matched {
		if loopLMID == 0 {
			continue
		}
		if currentLMID := current.LandmarkID(slot); currentLMID != 0 {
			c.m.ReplaceLandmark(currentLMID, loopLMID)
		} else if lm := c.m.Landmark(loopLMID); lm != nil {
			current.SetLandmark(slot, loopLMID)
			lm.AddObservation(current.ID(), slot)
		}
	}
	c.m.UnlockUpdate()

	// Broaden the fusion: project the whole loop-landmark set into every
	// neighborhood keyframe with its corrected pose and merge duplicates.
	for id, correctedSiw := range corrected {
		kf := c.m.Keyframe(id)
		if kf == nil {
			continue
		}
		replaced := c.matcher.Fuse(kf, correctedSiw, loop.LoopLandmarks, c.cfg.FuseRadius)

		c.m.LockUpdate()
		for idx, dupID := range replaced {
			if dupID != 0 {
				c.m.ReplaceLandmark(dupID, loop.LoopLandmarks[idx])
			}
		}
		c.m.UnlockUpdate()
	}

	// The fusion attached both sides of the loop, so fresh covisibility
	// edges appear. Diff against the pre-correction neighbor sets;
	// intra-neighborhood edges are expected, not new.
	loopConnections := map[int64]map[int64]bool{}
	for _, id := range connected {
		kf := c.m.Keyframe(id)
		if kf == nil {
			continue
		}
		prevNeighbors := kf.CovisibleKeyframeIDs()
		c.m.UpdateConnections(kf)

		newEdges := kf.ConnectedKeyframeIDs()
		for _, prev := range prevNeighbors {
			delete(newEdges, prev)
		}
		for _, member := range connected {
			delete(newEdges, member)
		}
		loopConnections[id] = newEdges
	}

	c.optimizer.OptimizeEssentialGraph(c.m, loop.MatchedKF, current, uncorrected, corrected, loopConnections, c.cfg.FixScale)
	c.m.InformStructuralChange()

	loop.MatchedKF.AddLoopEdge(current.ID())
	current.AddLoopEdge(loop.MatchedKF.ID())

	// full re-optimization in the background, keyed to this keyframe
	c.gba.Run(ctx, current.ID())

	c.localMapper.Resume()
	c.logger.Infow("loop closed", "current", current.ID())
}
