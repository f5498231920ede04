package slam

import (
	"sync/atomic"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/slam/loopclose"
	"go.viam.com/slam/sparsemap"
	"go.viam.com/slam/spatialmath"
	"go.viam.com/slam/testutils/inject"
)

var testCam = sparsemap.PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func newTestKeyframe(id int64, nSlots int) *sparsemap.Keyframe {
	kps := make([]sparsemap.Keypoint, nSlots)
	for i := range kps {
		kps[i] = sparsemap.Keypoint{X: float64(20 + i*3), Y: 240, Descriptor: []float64{float64(i)}}
	}
	return sparsemap.NewKeyframe(id, spatialmath.NewZeroPose(), testCam, []float64{1, 0, 0}, kps)
}

func TestSystemLifecycle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := sparsemap.NewMap()

	sys, err := New(m, &inject.Optimizer{}, &inject.LocalMapper{}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sys.Map(), test.ShouldEqual, m)
	test.That(t, sys.OptimizationRunning(), test.ShouldBeFalse)
	test.That(t, sys.OptimizationFinished(), test.ShouldBeTrue)

	kf := newTestKeyframe(1, 10)
	m.AddKeyframe(kf)
	sys.InsertKeyframe(kf)

	sys.RequestReset()
	test.That(t, sys.Close(), test.ShouldBeNil)
}

func TestSystemRejectsInvalidConfig(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := loopclose.DefaultAttrConfig()
	cfg.BAIterations = -1

	_, err := New(sparsemap.NewMap(), &inject.Optimizer{}, &inject.LocalMapper{}, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSystemClosesCloseableLocalMapper(t *testing.T) {
	logger := golog.NewTestLogger(t)

	var closed atomic.Bool
	lmapper := &closeableMapper{LocalMapper: &inject.LocalMapper{}, closed: &closed}
	sys, err := New(sparsemap.NewMap(), &inject.Optimizer{}, lmapper, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sys.Close(), test.ShouldBeNil)
	test.That(t, closed.Load(), test.ShouldBeTrue)
}

type closeableMapper struct {
	*inject.LocalMapper
	closed *atomic.Bool
}

func (cm *closeableMapper) Close() error {
	cm.closed.Store(true)
	return nil
}
