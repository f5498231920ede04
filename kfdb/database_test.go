package kfdb

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

var cam = sparsemap.PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func kfWithDescriptor(id int64, desc []float64) *sparsemap.Keyframe {
	return sparsemap.NewKeyframe(id, spatialmath.NewZeroPose(), cam, desc, nil)
}

func TestScoreRange(t *testing.T) {
	db := New()
	test.That(t, db.Score([]float64{1, 0}, []float64{1, 0}), test.ShouldAlmostEqual, 1)
	test.That(t, db.Score([]float64{1, 0}, []float64{0, 1}), test.ShouldAlmostEqual, 0)
	// opposite directions clamp to zero
	test.That(t, db.Score([]float64{1, 0}, []float64{-1, 0}), test.ShouldEqual, 0.0)
	// degenerate inputs score zero
	test.That(t, db.Score(nil, nil), test.ShouldEqual, 0.0)
	test.That(t, db.Score([]float64{0, 0}, []float64{1, 0}), test.ShouldEqual, 0.0)
	test.That(t, db.Score([]float64{1}, []float64{1, 0}), test.ShouldEqual, 0.0)
}

func TestDetectLoopCandidates(t *testing.T) {
	db := New()
	query := kfWithDescriptor(10, []float64{1, 0, 0})

	similar := kfWithDescriptor(1, []float64{0.9, 0.1, 0})
	dissimilar := kfWithDescriptor(2, []float64{0, 1, 0})
	db.Add(similar)
	db.Add(dissimilar)
	db.Add(query)

	got := db.DetectLoopCandidates(query, 0.8)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0].ID(), test.ShouldEqual, similar.ID())
}

func TestDetectLoopCandidatesExcludesNeighborhood(t *testing.T) {
	m := sparsemap.NewMap()
	db := New()

	kps := make([]sparsemap.Keypoint, 20)
	query := sparsemap.NewKeyframe(10, spatialmath.NewZeroPose(), cam, []float64{1, 0, 0}, kps)
	neighbor := kfWithDescriptor(1, []float64{1, 0, 0})
	far := kfWithDescriptor(2, []float64{1, 0, 0})
	m.AddKeyframe(query)
	m.AddKeyframe(neighbor)
	m.AddKeyframe(far)

	// make neighbor covisible with the query
	for i := 0; i < 20; i++ {
		lm := m.NewLandmarkAt(query.Pose().T, query.ID(), []float64{0})
		query.SetLandmark(i, lm.ID())
		lm.AddObservation(query.ID(), i)
		lm.AddObservation(neighbor.ID(), i)
	}
	m.UpdateConnections(query)

	db.Add(neighbor)
	db.Add(far)

	got := db.DetectLoopCandidates(query, 0.9)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0].ID(), test.ShouldEqual, far.ID())
}

func TestClear(t *testing.T) {
	db := New()
	db.Add(kfWithDescriptor(1, []float64{1}))
	db.Clear()
	got := db.DetectLoopCandidates(kfWithDescriptor(2, []float64{1}), 0)
	test.That(t, got, test.ShouldHaveLength, 0)
}
