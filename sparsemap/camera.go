package sparsemap

import "github.com/golang/geo/r3"

// PinholeIntrinsics models the camera a keyframe was captured with.
type PinholeIntrinsics struct {
	Width  int
	Height int
	Fx     float64
	Fy     float64
	Cx     float64
	Cy     float64
}

// Project maps a camera-frame point to image coordinates. The second return
// is false when the point sits behind the camera or lands outside the image.
func (c PinholeIntrinsics) Project(p r3.Vector) (float64, float64, bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u := c.Fx*p.X/p.Z + c.Cx
	v := c.Fy*p.Y/p.Z + c.Cy
	if u < 0 || v < 0 || u >= float64(c.Width) || v >= float64(c.Height) {
		return 0, 0, false
	}
	return u, v, true
}
