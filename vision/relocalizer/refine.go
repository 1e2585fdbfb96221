package relocalizer

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mapshare/spatialmath"
)

const (
	refineInitialDamping = 1e-6
	refineMaxDamping     = 1e6
	refineMinStep        = 1e-10
)

// refinePose minimizes the reprojection error of the given correspondences over the six degrees of
// freedom of `device_T_world` with damped Gauss-Newton steps. The update is a left perturbation,
// T <- exp([w, v]) * T, whose Jacobian is analytic. Correspondences behind their camera are
// ignored. The input pose is returned unchanged when nothing can be improved.
func refinePose(
	r rig,
	deviceTWorld spatialmath.Pose,
	correspondences []Correspondence,
	indices []int,
	iterations int,
) spatialmath.Pose {
	if len(indices) < 3 || !deviceTWorld.IsValid() {
		return deviceTWorld
	}
	damping := refineInitialDamping
	current := deviceTWorld
	currentCost := reprojectionCost(r, current, correspondences, indices)

	for iter := 0; iter < iterations; iter++ {
		jtj := mat.NewSymDense(6, nil)
		jtr := mat.NewVecDense(6, nil)
		accumulateNormalEquations(r, current, correspondences, indices, jtj, jtr)

		var step mat.VecDense
		solved := false
		for damping <= refineMaxDamping {
			damped := mat.NewSymDense(6, nil)
			damped.CopySym(jtj)
			for i := 0; i < 6; i++ {
				damped.SetSym(i, i, jtj.At(i, i)*(1+damping)+damping)
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				damping *= 10
				continue
			}
			if err := chol.SolveVecTo(&step, jtr); err != nil {
				damping *= 10
				continue
			}
			step.ScaleVec(-1, &step)
			candidate := applyLeftPerturbation(current, &step)
			cost := reprojectionCost(r, candidate, correspondences, indices)
			if cost < currentCost {
				current, currentCost = candidate, cost
				damping = max(damping/10, refineInitialDamping)
				solved = true
				break
			}
			damping *= 10
		}
		if !solved || mat.Norm(&step, 2) < refineMinStep {
			break
		}
	}
	return current.WithTimestamp(deviceTWorld.Timestamp)
}

func applyLeftPerturbation(pose spatialmath.Pose, step *mat.VecDense) spatialmath.Pose {
	w := r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)}
	v := r3.Vector{X: step.AtVec(3), Y: step.AtVec(4), Z: step.AtVec(5)}
	return spatialmath.NewPose(spatialmath.QuatFromRotationVector(w), v).Compose(pose)
}

func reprojectionCost(r rig, deviceTWorld spatialmath.Pose, correspondences []Correspondence, indices []int) float64 {
	var cost float64
	for _, i := range indices {
		if e, ok := r.squaredReprojectionError(deviceTWorld, correspondences[i]); ok {
			cost += e
		}
	}
	return cost
}

func accumulateNormalEquations(
	r rig,
	deviceTWorld spatialmath.Pose,
	correspondences []Correspondence,
	indices []int,
	jtj *mat.SymDense,
	jtr *mat.VecDense,
) {
	deviceRotation := deviceTWorld.RotationMatrix()
	for _, i := range indices {
		c := correspondences[i]
		cameraTDevice := r.cameraTDevice[c.Camera]
		intr := r.cameras[c.Camera].Intrinsics
		pd := deviceRotation.Mul(c.World).Add(deviceTWorld.Translation)
		rcd := cameraTDevice.RotationMatrix()
		pc := rcd.Mul(pd).Add(cameraTDevice.Translation)
		if pc.Z <= 1e-9 {
			continue
		}
		invZ := 1 / pc.Z
		u := intr.Fx*pc.X*invZ + intr.Ppx
		v := intr.Fy*pc.Y*invZ + intr.Ppy
		res := [2]float64{u - c.Pixel.X, v - c.Pixel.Y}

		// d(pixel)/d(pc)
		proj := [2][3]float64{
			{intr.Fx * invZ, 0, -intr.Fx * pc.X * invZ * invZ},
			{0, intr.Fy * invZ, -intr.Fy * pc.Y * invZ * invZ},
		}
		// d(pd)/d(w, v) = [-[pd]x | I]
		var dpd [3][6]float64
		dpd[0] = [6]float64{0, pd.Z, -pd.Y, 1, 0, 0}
		dpd[1] = [6]float64{-pd.Z, 0, pd.X, 0, 1, 0}
		dpd[2] = [6]float64{pd.Y, -pd.X, 0, 0, 0, 1}

		var jac [2][6]float64
		for row := 0; row < 2; row++ {
			// proj * rcd
			var pr [3]float64
			for k := 0; k < 3; k++ {
				pr[k] = proj[row][0]*rcd[k] + proj[row][1]*rcd[3+k] + proj[row][2]*rcd[6+k]
			}
			for col := 0; col < 6; col++ {
				jac[row][col] = pr[0]*dpd[0][col] + pr[1]*dpd[1][col] + pr[2]*dpd[2][col]
			}
		}
		for a := 0; a < 6; a++ {
			jtr.SetVec(a, jtr.AtVec(a)+jac[0][a]*res[0]+jac[1][a]*res[1])
			for b := a; b < 6; b++ {
				jtj.SetSym(a, b, jtj.At(a, b)+jac[0][a]*jac[0][b]+jac[1][a]*jac[1][b])
			}
		}
	}
}
