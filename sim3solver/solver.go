// Package sim3solver estimates the similarity transform between two
// keyframes from noisy landmark correspondences with RANSAC, using Horn's
// closed-form alignment on minimal three-point samples.
package sim3solver

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
)

const (
	ransacProbability    = 0.99
	defaultMinInliers    = 20
	maxTotalIterations   = 300
	reprojectionErrorPix = 10.0
)

// Solver runs interleavable RANSAC rounds over camera-frame point pairs.
// The estimated transform maps candidate-camera coordinates into
// current-camera coordinates.
type Solver struct {
	camCurrent   sparsemap.PinholeIntrinsics
	camCandidate sparsemap.PinholeIntrinsics

	ptsCurrent   []r3.Vector
	ptsCandidate []r3.Vector
	pixCurrent   [][2]float64
	pixCandidate [][2]float64
	slots        []int
	maskLen      int

	fixScale      bool
	minInliers    int
	maxIterations int
	iterations    int
	terminated    bool

	bestCount   int
	bestInliers []bool
	bestModel   spatialmath.Sim3

	rnd *rand.Rand
}

// New builds a solver from the slot-indexed correspondence set produced by
// the matcher. Pairs require a landmark on both sides: the current
// keyframe's own landmark at the slot, and the matched one.
func New(current, candidate *sparsemap.Keyframe, m *sparsemap.Map, matches []int64, fixScale bool) *Solver {
	s := &Solver{
		camCurrent:   current.Camera(),
		camCandidate: candidate.Camera(),
		fixScale:     fixScale,
		minInliers:   defaultMinInliers,
		rnd:          rand.New(rand.NewSource(42)),
	}

	curPose := current.Pose()
	candPose := candidate.Pose()
	curKps := current.Keypoints()
	candKps := candidate.Keypoints()

	for slot, matchedID := range matches {
		if matchedID == 0 || slot >= len(curKps) {
			continue
		}
		ownID := current.LandmarkID(slot)
		if ownID == 0 {
			continue
		}
		own := m.Landmark(ownID)
		matched := m.Landmark(matchedID)
		if own == nil || own.Bad() || matched == nil || matched.Bad() {
			continue
		}

		pc := curPose.TransformPoint(own.Position())
		pm := candPose.TransformPoint(matched.Position())

		var pixM [2]float64
		if candSlot, ok := matched.ObservedBy(candidate.ID()); ok && candSlot < len(candKps) {
			pixM = [2]float64{candKps[candSlot].X, candKps[candSlot].Y}
		} else if u, v, ok := s.camCandidate.Project(pm); ok {
			pixM = [2]float64{u, v}
		} else {
			continue
		}

		s.ptsCurrent = append(s.ptsCurrent, pc)
		s.ptsCandidate = append(s.ptsCandidate, pm)
		s.pixCurrent = append(s.pixCurrent, [2]float64{curKps[slot].X, curKps[slot].Y})
		s.pixCandidate = append(s.pixCandidate, pixM)
		s.slots = append(s.slots, slot)
	}
	s.maskLen = len(matches)

	n := len(s.ptsCurrent)
	if n < 3 {
		s.terminated = true
		return s
	}
	eps := float64(s.minInliers) / float64(n)
	if eps > 1 {
		eps = 1
	}
	k := maxTotalIterations
	if eps < 1 {
		k = int(math.Ceil(math.Log(1-ransacProbability) / math.Log(1-eps*eps*eps)))
	}
	if k < 1 {
		k = 1
	}
	if k > maxTotalIterations {
		k = maxTotalIterations
	}
	s.maxIterations = k
	return s
}

// Iterate runs up to n RANSAC iterations. It returns a model, a
// slot-indexed inlier mask over the correspondence set and true as soon as a sample reaches
// the inlier floor; callers interleave small rounds across candidates so no
// single candidate starves the others.
func (s *Solver) Iterate(n int) (spatialmath.Sim3, []bool, bool) {
	if s.terminated || len(s.ptsCurrent) < 3 {
		s.terminated = true
		return spatialmath.Sim3{}, nil, false
	}

	for ; n > 0 && s.iterations < s.maxIterations; n-- {
		s.iterations++

		i, j, k := s.sampleThree()
		model, ok := horn(
			[]r3.Vector{s.ptsCandidate[i], s.ptsCandidate[j], s.ptsCandidate[k]},
			[]r3.Vector{s.ptsCurrent[i], s.ptsCurrent[j], s.ptsCurrent[k]},
			s.fixScale,
		)
		if !ok {
			continue
		}

		inliers, count := s.checkInliers(model)
		if count > s.bestCount {
			s.bestCount = count
			s.bestInliers = inliers
			s.bestModel = model
		}
		if count >= s.minInliers {
			return model, s.slotMask(inliers), true
		}
	}

	if s.iterations >= s.maxIterations {
		s.terminated = true
	}
	return spatialmath.Sim3{}, nil, false
}

// slotMask expands a per-pair inlier mask to the slot indexing of the
// correspondence set the solver was built from.
func (s *Solver) slotMask(inliers []bool) []bool {
	mask := make([]bool, s.maskLen)
	for idx, ok := range inliers {
		if ok {
			mask[s.slots[idx]] = true
		}
	}
	return mask
}

// Terminate reports whether the iteration budget is exhausted.
func (s *Solver) Terminate() bool {
	return s.terminated
}

// Pairs returns the number of usable correspondence pairs.
func (s *Solver) Pairs() int {
	return len(s.ptsCurrent)
}

func (s *Solver) sampleThree() (int, int, int) {
	n := len(s.ptsCurrent)
	i := s.rnd.Intn(n)
	j := s.rnd.Intn(n)
	for j == i {
		j = s.rnd.Intn(n)
	}
	k := s.rnd.Intn(n)
	for k == i || k == j {
		k = s.rnd.Intn(n)
	}
	return i, j, k
}

// checkInliers scores a model by mutual reprojection: candidate points
// mapped into the current image and current points mapped back into the
// candidate image must both land near their observed pixels.
func (s *Solver) checkInliers(model spatialmath.Sim3) ([]bool, int) {
	inv := model.Invert()
	inliers := make([]bool, len(s.ptsCurrent))
	count := 0
	for idx := range s.ptsCurrent {
		uc, vc, ok := s.camCurrent.Project(model.TransformPoint(s.ptsCandidate[idx]))
		if !ok {
			continue
		}
		um, vm, ok := s.camCandidate.Project(inv.TransformPoint(s.ptsCurrent[idx]))
		if !ok {
			continue
		}
		if math.Hypot(uc-s.pixCurrent[idx][0], vc-s.pixCurrent[idx][1]) > reprojectionErrorPix {
			continue
		}
		if math.Hypot(um-s.pixCandidate[idx][0], vm-s.pixCandidate[idx][1]) > reprojectionErrorPix {
			continue
		}
		inliers[idx] = true
		count++
	}
	return inliers, count
}

// horn computes the similarity mapping src points onto dst points in
// closed form. Degenerate (collinear or coincident) samples report false.
func horn(src, dst []r3.Vector, fixScale bool) (spatialmath.Sim3, bool) {
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	n := float64(len(src))
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	var srcNorm float64
	var srcDst [][2]r3.Vector
	for i := range src {
		ds := src[i].Sub(cs)
		dd := dst[i].Sub(cd)
		srcNorm += ds.Norm2()
		srcDst = append(srcDst, [2]r3.Vector{ds, dd})
		sv := [3]float64{ds.X, ds.Y, ds.Z}
		dv := [3]float64{dd.X, dd.Y, dd.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}
	if srcNorm < 1e-12 {
		return spatialmath.Sim3{}, false
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return spatialmath.Sim3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&v, u.T())
	}

	var m3 mgl64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m3.Set(r, c, rot.At(r, c))
		}
	}
	q := spatialmath.QuatFromRotationMatrix(m3)

	scale := 1.0
	if !fixScale {
		var num float64
		for _, pair := range srcDst {
			num += pair[1].Dot(spatialmath.Rotate(q, pair[0]))
		}
		if num <= 0 {
			return spatialmath.Sim3{}, false
		}
		scale = num / srcNorm
	}

	t := cd.Sub(spatialmath.Rotate(q, cs).Mul(scale))
	return spatialmath.NewSim3(q, t, scale), true
}
