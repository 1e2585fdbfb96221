package relocalizer

import (
	"math"
	"math/cmplx"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mapshare/spatialmath"
)

const (
	// roots of the quartic with a larger imaginary part are dropped
	p3pImaginaryTolerance = 1e-4
	p3pPolishIterations   = 5
)

// SolveP3P returns the camera poses `camera_T_world` that see the three world points along the
// three unit bearing vectors (camera frame). It follows Grunert's solution: the ratios of the
// point depths solve a quartic, whose real roots are found as eigenvalues of its companion
// matrix. Depths are polished with Newton steps on the distance constraints before the pose is
// fitted to the three camera frame points. Up to four poses are returned.
func SolveP3P(bearings [3]r3.Vector, points [3]r3.Vector) []spatialmath.Pose {
	a2 := points[1].Sub(points[2]).Norm2()
	b2 := points[0].Sub(points[2]).Norm2()
	c2 := points[0].Sub(points[1]).Norm2()
	if a2 < 1e-12 || b2 < 1e-12 || c2 < 1e-12 {
		return nil
	}
	cosAlpha := bearings[1].Dot(bearings[2])
	cosBeta := bearings[0].Dot(bearings[2])
	cosGamma := bearings[0].Dot(bearings[1])

	amc := (a2 - c2) / b2
	apc := (a2 + c2) / b2
	coefficients := [5]float64{
		// a0 .. a4
		(1+amc)*(1+amc) - 4*a2/b2*cosGamma*cosGamma,
		4 * (-amc*(1+amc)*cosBeta + 2*a2/b2*cosGamma*cosGamma*cosBeta - (1-apc)*cosAlpha*cosGamma),
		2 * (amc*amc - 1 + 2*amc*amc*cosBeta*cosBeta + 2*(b2-c2)/b2*cosAlpha*cosAlpha -
			4*apc*cosAlpha*cosBeta*cosGamma + 2*(b2-a2)/b2*cosGamma*cosGamma),
		4 * (amc*(1-amc)*cosBeta - (1-apc)*cosAlpha*cosGamma + 2*c2/b2*cosAlpha*cosAlpha*cosBeta),
		(amc-1)*(amc-1) - 4*c2/b2*cosAlpha*cosAlpha,
	}

	distances := [3]float64{math.Sqrt(a2), math.Sqrt(b2), math.Sqrt(c2)}
	cosines := [3]float64{cosAlpha, cosBeta, cosGamma}
	var poses []spatialmath.Pose
	for _, v := range quarticRealRoots(coefficients) {
		if v <= 0 {
			continue
		}
		denominator := 2 * (cosGamma - v*cosAlpha)
		if math.Abs(denominator) < 1e-12 {
			continue
		}
		u := ((amc-1)*v*v - 2*amc*cosBeta*v + 1 + amc) / denominator
		if u <= 0 {
			continue
		}
		s1Squared := b2 / (1 + v*v - 2*v*cosBeta)
		if s1Squared <= 0 {
			continue
		}
		s1 := math.Sqrt(s1Squared)
		depths, ok := polishDepths([3]float64{s1, u * s1, v * s1}, distances, cosines)
		if !ok {
			continue
		}
		cameraPoints := []r3.Vector{
			bearings[0].Mul(depths[0]),
			bearings[1].Mul(depths[1]),
			bearings[2].Mul(depths[2]),
		}
		sim, err := spatialmath.AbsoluteTransformation(points[:], cameraPoints, spatialmath.ScaleRightBiased)
		if err != nil || math.Abs(sim.Scale-1) > 0.05 {
			continue
		}
		poses = append(poses, sim.AsPose())
	}
	return poses
}

// quarticRealRoots returns the real roots of c[4] x^4 + ... + c[0].
func quarticRealRoots(c [5]float64) []float64 {
	if math.Abs(c[4]) < 1e-14 {
		return nil
	}
	companion := mat.NewDense(4, 4, []float64{
		-c[3] / c[4], -c[2] / c[4], -c[1] / c[4], -c[0] / c[4],
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	})
	var eig mat.Eigen
	if !eig.Factorize(companion, mat.EigenNone) {
		return nil
	}
	var roots []float64
	for _, r := range eig.Values(nil) {
		if math.Abs(imag(r)) <= p3pImaginaryTolerance*(1+cmplx.Abs(r)) {
			roots = append(roots, real(r))
		}
	}
	return roots
}

// polishDepths refines the depths along the three rays so that the pairwise point distances
// match: s_j^2 + s_k^2 - 2 s_j s_k cos(angle_jk) = d_jk^2, where distance i and cosine i belong
// to the pair of rays other than i.
func polishDepths(s, distances, cosines [3]float64) ([3]float64, bool) {
	pairs := [3][2]int{{1, 2}, {0, 2}, {0, 1}}
	residual := func(s [3]float64) [3]float64 {
		var f [3]float64
		for i, p := range pairs {
			j, k := p[0], p[1]
			f[i] = s[j]*s[j] + s[k]*s[k] - 2*s[j]*s[k]*cosines[i] - distances[i]*distances[i]
		}
		return f
	}
	for iter := 0; iter < p3pPolishIterations; iter++ {
		f := residual(s)
		jac := mat.NewDense(3, 3, nil)
		for i, p := range pairs {
			j, k := p[0], p[1]
			jac.Set(i, j, 2*s[j]-2*s[k]*cosines[i])
			jac.Set(i, k, 2*s[k]-2*s[j]*cosines[i])
		}
		var step mat.VecDense
		if err := step.SolveVec(jac, mat.NewVecDense(3, f[:])); err != nil {
			break
		}
		for i := range s {
			s[i] -= step.AtVec(i)
		}
	}
	f := residual(s)
	scale := distances[0]*distances[0] + distances[1]*distances[1] + distances[2]*distances[2]
	for i := range s {
		if s[i] <= 0 || math.IsNaN(s[i]) || math.Abs(f[i]) > 1e-6*scale {
			return s, false
		}
	}
	return s, true
}
