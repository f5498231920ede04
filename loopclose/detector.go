package loopclose

import (
	"github.com/edaniels/golog"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

// solverRoundIterations is how many RANSAC iterations each candidate gets
// per interleaved round, so no candidate starves the others.
const solverRoundIterations = 5

// Loop is a verified loop closure.
type Loop struct {
	// MatchedKF is the revisited keyframe.
	MatchedKF *sparsemap.Keyframe
	// Scw maps world coordinates into the current keyframe's camera,
	// absorbing the accumulated drift.
	Scw spatialmath.Sim3
	// Matched holds the verified landmark correspondences, indexed by the
	// current keyframe's keypoint slots.
	Matched []int64
	// LoopLandmarks are all landmarks visible around the matched keyframe.
	LoopLandmarks []int64
}

// consistentGroup is a candidate's covisibility group with the running
// count of consecutive detections it stayed consistent through.
type consistentGroup struct {
	members     map[int64]bool
	consistency int
}

// Detector finds and geometrically verifies loop candidates for each new
// keyframe.
type Detector struct {
	m         *sparsemap.Map
	db        KeyframeDatabase
	matcher   Matcher
	newSolver Sim3SolverFactory
	optimizer Optimizer
	cfg       *AttrConfig
	logger    golog.Logger

	prevGroups []consistentGroup
}

// NewDetector wires a detector over the shared map and its collaborators.
func NewDetector(
	m *sparsemap.Map,
	db KeyframeDatabase,
	mt Matcher,
	newSolver Sim3SolverFactory,
	optimizer Optimizer,
	cfg *AttrConfig,
	logger golog.Logger,
) *Detector {
	return &Detector{
		m:         m,
		db:        db,
		matcher:   mt,
		newSolver: newSolver,
		optimizer: optimizer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Reset drops accumulated consistency state, for map resets.
func (d *Detector) Reset() {
	d.prevGroups = nil
}

// Detect checks whether the current keyframe closes a loop against an
// earlier part of the map. On rejection every inspected candidate, and on
// outright failure the current keyframe too, gets its erase protection
// released.
func (d *Detector) Detect(current *sparsemap.Keyframe, lastLoopKFID int64) (Loop, bool) {
	// too soon after the last accepted loop
	if current.ID() < lastLoopKFID+d.cfg.MinLoopGap {
		return Loop{}, false
	}

	// The loop candidates must score better than the worst covisible
	// neighbor, adapting the floor to current map density.
	minScore := 1.0
	for _, nid := range current.CovisibleKeyframeIDs() {
		neighbor := d.m.Keyframe(nid)
		if neighbor == nil || neighbor.Bad() {
			continue
		}
		if s := d.db.Score(current.Descriptor(), neighbor.Descriptor()); s < minScore {
			minScore = s
		}
	}

	initial := d.db.DetectLoopCandidates(current, minScore)
	if len(initial) == 0 {
		d.prevGroups = nil
		return Loop{}, false
	}

	candidates := d.filterConsistent(initial)
	if len(candidates) == 0 {
		return Loop{}, false
	}

	loop, found := d.findLoop(current, candidates)
	if !found {
		for _, cand := range candidates {
			cand.SetErase()
		}
		current.SetErase()
		return Loop{}, false
	}

	// Gather every landmark visible around the matched keyframe, once.
	connected := loop.MatchedKF.CovisibleKeyframeIDs()
	connected = append(connected, loop.MatchedKF.ID())
	for _, kfID := range connected {
		kf := d.m.Keyframe(kfID)
		if kf == nil {
			continue
		}
		for _, lmID := range kf.Slots() {
			if lmID == 0 {
				continue
			}
			lm := d.m.Landmark(lmID)
			if lm == nil || lm.Bad() || lm.LoopPointForKF == current.ID() {
				continue
			}
			loop.LoopLandmarks = append(loop.LoopLandmarks, lmID)
			lm.LoopPointForKF = current.ID()
		}
	}

	// Extend the correspondences by projecting those landmarks into the
	// current keyframe with the verified transform.
	total := d.matcher.MatchByProjection(current, loop.Scw, loop.LoopLandmarks, loop.Matched, d.cfg.ProjectionRadius)

	if total < d.cfg.MinTotalMatches {
		d.logger.Debugw("loop rejected after projection search", "matches", total)
		for _, cand := range candidates {
			cand.SetErase()
		}
		current.SetErase()
		return Loop{}, false
	}

	for _, cand := range candidates {
		if cand.ID() != loop.MatchedKF.ID() {
			cand.SetErase()
		}
	}
	return loop, true
}

// filterConsistent runs the consistency grouping: each candidate expands to
// its covisibility group, a group matches a previous-iteration group when
// they intersect, and a candidate becomes eligible once its group has been
// seen in enough consecutive calls. Unmatched groups start over.
func (d *Detector) filterConsistent(initial []*sparsemap.Keyframe) []*sparsemap.Keyframe {
	var eligible []*sparsemap.Keyframe
	var currGroups []consistentGroup
	matchedPrev := make([]bool, len(d.prevGroups))

	for _, cand := range initial {
		group := cand.ConnectedKeyframeIDs()
		group[cand.ID()] = true

		candidateTaken := false
		var matching []int
		for iG, prev := range d.prevGroups {
			if intersects(prev.members, group) {
				matching = append(matching, iG)
			}
		}
		for _, iG := range matching {
			consistency := d.prevGroups[iG].consistency + 1
			if !matchedPrev[iG] {
				currGroups = append(currGroups, consistentGroup{group, consistency})
				matchedPrev[iG] = true
			}
			// the group's streak spans consistency+1 consecutive calls
			if consistency+1 >= d.cfg.MinConsistency && !candidateTaken {
				eligible = append(eligible, cand)
				candidateTaken = true
			}
		}
		if len(matching) == 0 {
			currGroups = append(currGroups, consistentGroup{group, 0})
			// a fresh group already spans one call
			if d.cfg.MinConsistency <= 1 {
				eligible = append(eligible, cand)
			}
		}
	}

	d.prevGroups = currGroups
	return eligible
}

// findLoop verifies candidates geometrically: descriptor matching, then
// interleaved RANSAC rounds until one candidate yields a model, then a
// guided re-match and numeric refinement. The first refined candidate that
// keeps enough inliers wins; the rest are never evaluated.
func (d *Detector) findLoop(current *sparsemap.Keyframe, candidates []*sparsemap.Keyframe) (Loop, bool) {
	n := len(candidates)
	solvers := make([]Sim3Solver, n)
	matchSets := make([][]int64, n)
	discarded := make([]bool, n)
	remaining := 0

	for i, cand := range candidates {
		// keep local mapping from erasing the candidate mid-computation
		cand.SetNotErase()
		if cand.Bad() {
			discarded[i] = true
			continue
		}
		matches := d.matcher.MatchByIndex(current, cand)
		if countMatches(matches) < d.cfg.MinInitialMatches {
			discarded[i] = true
			continue
		}
		matchSets[i] = matches
		solvers[i] = d.newSolver(current, cand, d.m, matches, d.cfg.FixScale)
		remaining++
	}

	for remaining > 0 {
		for i, cand := range candidates {
			if discarded[i] {
				continue
			}

			model, inlierMask, found := solvers[i].Iterate(solverRoundIterations)

			// a solver out of budget is done for this call, not retried
			if solvers[i].Terminate() {
				discarded[i] = true
				remaining--
			}
			if !found {
				continue
			}

			restricted := make([]int64, len(matchSets[i]))
			for slot, ok := range inlierMask {
				if ok && slot < len(restricted) {
					restricted[slot] = matchSets[i][slot]
				}
			}

			d.matcher.MatchBySim3(current, cand, restricted, model, d.cfg.GuidedRadius)
			inliers := d.optimizer.RefineSim3(current, cand, restricted, &model, d.cfg.RefineMaxError, d.cfg.FixScale)

			if inliers >= d.cfg.MinRefinedInliers {
				scw := model.Compose(spatialmath.Sim3FromPose(cand.Pose()))
				d.logger.Infow("loop candidate verified", "matched", cand.ID(), "inliers", inliers)
				return Loop{MatchedKF: cand, Scw: scw, Matched: restricted}, true
			}
		}
	}
	return Loop{}, false
}

func countMatches(matches []int64) int {
	n := 0
	for _, id := range matches {
		if id != 0 {
			n++
		}
	}
	return n
}

func intersects(a, b map[int64]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}
