package sim3solver

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

var cam = sparsemap.PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func rotY(theta float64) quat.Number {
	return quat.Number{Real: math.Cos(theta / 2), Jmag: math.Sin(theta / 2)}
}

// buildScene wires two keyframes whose correspondences are related by gt,
// with the first nOutliers pairs corrupted.
func buildScene(t *testing.T, gt spatialmath.Sim3, nPairs, nOutliers int) (*sparsemap.Map, *sparsemap.Keyframe, *sparsemap.Keyframe, []int64) {
	t.Helper()
	m := sparsemap.NewMap()

	curKps := make([]sparsemap.Keypoint, nPairs)
	candKps := make([]sparsemap.Keypoint, nPairs)
	current := sparsemap.NewKeyframe(100, spatialmath.NewZeroPose(), cam, []float64{1}, curKps)
	candidate := sparsemap.NewKeyframe(1, spatialmath.NewZeroPose(), cam, []float64{1}, candKps)

	matches := make([]int64, nPairs)
	for i := 0; i < nPairs; i++ {
		pm := r3.Vector{
			X: -0.5 + float64(i%6)*0.2,
			Y: -0.35 + float64((i/6)%5)*0.17,
			Z: 2 + float64(i%5)*0.8,
		}
		pc := gt.TransformPoint(pm)
		if i < nOutliers {
			pc = pc.Add(r3.Vector{X: 0.5, Y: 0.4, Z: 0.3})
		}

		um, vm, ok := cam.Project(pm)
		test.That(t, ok, test.ShouldBeTrue)
		uc, vc, ok := cam.Project(pc)
		test.That(t, ok, test.ShouldBeTrue)
		candKps[i] = sparsemap.Keypoint{X: um, Y: vm, Descriptor: []float64{float64(i)}}
		curKps[i] = sparsemap.Keypoint{X: uc, Y: vc, Descriptor: []float64{float64(i)}}

		matched := m.NewLandmarkAt(pm, candidate.ID(), []float64{float64(i)})
		matched.AddObservation(candidate.ID(), i)
		candidate.SetLandmark(i, matched.ID())

		own := m.NewLandmarkAt(pc, current.ID(), []float64{float64(i)})
		own.AddObservation(current.ID(), i)
		current.SetLandmark(i, own.ID())

		matches[i] = matched.ID()
	}
	m.AddKeyframe(candidate)
	m.AddKeyframe(current)
	return m, current, candidate, matches
}

func solveInterleaved(s *Solver) (spatialmath.Sim3, bool) {
	for !s.Terminate() {
		if model, _, ok := s.Iterate(5); ok {
			return model, true
		}
	}
	return spatialmath.Sim3{}, false
}

func TestRecoverSimilarityWithOutliers(t *testing.T) {
	gt := spatialmath.NewSim3(rotY(0.05), r3.Vector{X: 0.1, Y: 0.05, Z: 0.2}, 1.15)
	m, current, candidate, matches := buildScene(t, gt, 30, 6)

	s := New(current, candidate, m, matches, false)
	test.That(t, s.Pairs(), test.ShouldEqual, 30)

	model, found := solveInterleaved(s)
	test.That(t, found, test.ShouldBeTrue)

	sample := r3.Vector{X: 0.2, Y: -0.1, Z: 3}
	diff := model.TransformPoint(sample).Sub(gt.TransformPoint(sample)).Norm()
	test.That(t, diff, test.ShouldBeLessThan, 1e-6)
	test.That(t, model.S, test.ShouldAlmostEqual, 1.15, 1e-6)
}

func TestRecoverFixedScale(t *testing.T) {
	gt := spatialmath.NewSim3(rotY(-0.04), r3.Vector{X: -0.1, Y: 0.08, Z: 0.15}, 1)
	m, current, candidate, matches := buildScene(t, gt, 30, 4)

	s := New(current, candidate, m, matches, true)
	model, found := solveInterleaved(s)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, model.S, test.ShouldEqual, 1.0)

	sample := r3.Vector{X: -0.2, Y: 0.3, Z: 4}
	diff := model.TransformPoint(sample).Sub(gt.TransformPoint(sample)).Norm()
	test.That(t, diff, test.ShouldBeLessThan, 1e-6)
}

func TestExhaustsBudgetOnGarbage(t *testing.T) {
	gt := spatialmath.IdentitySim3()
	m, current, candidate, matches := buildScene(t, gt, 25, 0)

	// scatter the current keyframe's landmarks so no transform fits
	for i, lmID := range current.Slots() {
		if lm := m.Landmark(lmID); lm != nil {
			lm.SetPosition(r3.Vector{
				X: float64((i*7)%11) - 5,
				Y: float64((i*3)%7) - 3,
				Z: 2 + float64(i%9),
			})
		}
	}

	s := New(current, candidate, m, matches, true)
	_, found := solveInterleaved(s)
	test.That(t, found, test.ShouldBeFalse)
	test.That(t, s.Terminate(), test.ShouldBeTrue)
}

func TestTooFewPairsTerminatesImmediately(t *testing.T) {
	gt := spatialmath.IdentitySim3()
	m, current, candidate, _ := buildScene(t, gt, 5, 0)

	s := New(current, candidate, m, []int64{0, 0, 0, 0, 0}, true)
	test.That(t, s.Terminate(), test.ShouldBeTrue)
	_, _, found := s.Iterate(5)
	test.That(t, found, test.ShouldBeFalse)
}
