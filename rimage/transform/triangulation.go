package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mapshare/spatialmath"
)

// Observation is a pixel measurement of one point by a camera at a known world pose.
type Observation struct {
	Intrinsics   *PinholeCameraIntrinsics
	WorldTCamera spatialmath.Pose
	Pixel        r2.Point
}

// ErrTriangulation is returned when the observations do not determine a point.
var ErrTriangulation = errors.New("cannot triangulate point")

// projectionMatrix returns K * [R | t] of `camera_T_world` as a 3x4 matrix.
func projectionMatrix(intrinsics *PinholeCameraIntrinsics, cameraTWorld spatialmath.Pose) *mat.Dense {
	r := cameraTWorld.RotationMatrix()
	t := cameraTWorld.Translation
	rt := mat.NewDense(3, 4, []float64{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
	})
	var p mat.Dense
	p.Mul(intrinsics.GetCameraMatrix(), rt)
	return &p
}

// TriangulatePoint computes the world point seen by all observations with the linear (DLT)
// method: every observation adds two rows to a homogeneous system solved by SVD. The point must
// lie in front of every observing camera.
func TriangulatePoint(observations []Observation) (r3.Vector, error) {
	if len(observations) < 2 {
		return r3.Vector{}, errors.Wrapf(ErrTriangulation, "need at least 2 observations, got %d", len(observations))
	}
	a := mat.NewDense(2*len(observations), 4, nil)
	for i, obs := range observations {
		if !obs.WorldTCamera.IsValid() {
			return r3.Vector{}, errors.Wrap(ErrTriangulation, "observation without a valid camera pose")
		}
		p := projectionMatrix(obs.Intrinsics, obs.WorldTCamera.Inverse())
		for col := 0; col < 4; col++ {
			a.Set(2*i, col, obs.Pixel.X*p.At(2, col)-p.At(0, col))
			a.Set(2*i+1, col, obs.Pixel.Y*p.At(2, col)-p.At(1, col))
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, errors.Wrap(ErrTriangulation, "failed to factorize system")
	}
	// Determine the rank of the system with a near zero condition threshold.
	const rcond = 1e-15
	if svd.Rank(rcond) < 3 {
		return r3.Vector{}, errors.Wrap(ErrTriangulation, "rank deficient system")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.Wrap(ErrTriangulation, "point at infinity")
	}
	point := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}

	for _, obs := range observations {
		if obs.WorldTCamera.Inverse().Transform(point).Z <= 0 {
			return r3.Vector{}, errors.Wrap(ErrTriangulation, "point behind an observing camera")
		}
	}
	return point, nil
}

// ReprojectionError is the pixel distance between an observation and the projection of point.
// ok is false when the point is behind the camera.
func ReprojectionError(obs Observation, point r3.Vector) (float64, bool) {
	projected, ok := ProjectWorldPoint(obs.Intrinsics, obs.WorldTCamera.Inverse(), point)
	if !ok {
		return 0, false
	}
	return projected.Sub(obs.Pixel).Norm(), true
}
