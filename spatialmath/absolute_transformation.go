package spatialmath

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ScaleErrorType selects in which coordinate system the scale of an absolute transformation is
// measured.
type ScaleErrorType int

const (
	// ScaleRightBiased minimizes the error in the right (target) coordinate system.
	ScaleRightBiased ScaleErrorType = iota
	// ScaleLeftBiased minimizes the error in the left (source) coordinate system.
	ScaleLeftBiased
	// ScaleSymmetric uses the ratio of the spreads of both point sets and does not depend on which
	// side is the source.
	ScaleSymmetric
)

var (
	// ErrTooFewCorrespondences is returned when a solve has fewer inputs than it needs.
	ErrTooFewCorrespondences = errors.New("too few correspondences")
	// ErrDegenerateConfiguration is returned when the inputs do not determine a transformation,
	// e.g. all points coincide.
	ErrDegenerateConfiguration = errors.New("degenerate point configuration")
)

func centroid(points []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range points {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(points)))
}

func spread(points []r3.Vector, c r3.Vector) float64 {
	var sum float64
	for _, p := range points {
		sum += p.Sub(c).Norm2()
	}
	return sum
}

func solveScale(scaleType ScaleErrorType, leftSpread, rightSpread, correlation float64) (float64, error) {
	var scale float64
	switch scaleType {
	case ScaleRightBiased:
		scale = correlation / leftSpread
	case ScaleLeftBiased:
		if correlation <= 0 {
			return 0, ErrDegenerateConfiguration
		}
		scale = rightSpread / correlation
	case ScaleSymmetric:
		scale = math.Sqrt(rightSpread / leftSpread)
	default:
		return 0, errors.Errorf("unknown scale error type %d", scaleType)
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 0, ErrDegenerateConfiguration
	}
	return scale, nil
}

// AbsoluteTransformation returns `right_T_left`, the similarity mapping each left point onto its
// right counterpart in the least squares sense (Umeyama). At least three non-collinear
// correspondences are needed.
func AbsoluteTransformation(left, right []r3.Vector, scaleType ScaleErrorType) (Similarity, error) {
	if len(left) != len(right) {
		return Similarity{}, errors.Errorf("point count mismatch %d vs %d", len(left), len(right))
	}
	if len(left) < 3 {
		return Similarity{}, ErrTooFewCorrespondences
	}
	leftCenter, rightCenter := centroid(left), centroid(right)
	leftSpread, rightSpread := spread(left, leftCenter), spread(right, rightCenter)
	if leftSpread < 1e-12 || rightSpread < 1e-12 {
		return Similarity{}, ErrDegenerateConfiguration
	}

	// H = sum(r' * l'^T)
	h := mat.NewDense(3, 3, nil)
	for i := range left {
		l := left[i].Sub(leftCenter)
		r := right[i].Sub(rightCenter)
		lv := [3]float64{l.X, l.Y, l.Z}
		rv := [3]float64{r.X, r.Y, r.Z}
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				h.Set(row, col, h.At(row, col)+rv[row]*lv[col])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Similarity{}, errors.Wrap(ErrDegenerateConfiguration, "svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	if values[1] < 1e-9*values[0] {
		// collinear points leave the rotation around their line undetermined
		return Similarity{}, ErrDegenerateConfiguration
	}

	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	d := 1.0
	if mat.Det(&uvt) < 0 {
		d = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var ud, rot mat.Dense
	ud.Mul(&u, diag)
	rot.Mul(&ud, v.T())

	var rm RotationMatrix
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			rm[row*3+col] = rot.At(row, col)
		}
	}
	correlation := values[0] + values[1] + d*values[2]
	scale, err := solveScale(scaleType, leftSpread, rightSpread, correlation)
	if err != nil {
		return Similarity{}, err
	}
	rotation := QuatFromRotationMatrix(rm)
	translation := rightCenter.Sub(rm.Mul(leftCenter).Mul(scale))
	return Similarity{Rotation: rotation, Translation: translation, Scale: scale}, nil
}

// AbsoluteTransformationFromPoses returns `right_T_left` from pairs of poses of the same objects
// (e.g. one camera at the same instants) expressed in two frames: left[i] = `left_T_object_i`,
// right[i] = `right_T_object_i`. The rotation is the chordal mean of the per-pair frame rotations,
// scale and translation follow from the object positions. Invalid pairs are skipped.
func AbsoluteTransformationFromPoses(left, right []Pose, scaleType ScaleErrorType) (Similarity, error) {
	if len(left) != len(right) {
		return Similarity{}, errors.Errorf("pose count mismatch %d vs %d", len(left), len(right))
	}
	leftPoints := make([]r3.Vector, 0, len(left))
	rightPoints := make([]r3.Vector, 0, len(right))
	var sum quat.Number
	var reference quat.Number
	for i := range left {
		if !left[i].IsValid() || !right[i].IsValid() {
			continue
		}
		q := Normalize(quat.Mul(right[i].Rotation, quat.Conj(left[i].Rotation)))
		if len(leftPoints) == 0 {
			reference = q
		} else if QuatDot(reference, q) < 0 {
			q = quat.Scale(-1, q)
		}
		sum = quat.Add(sum, q)
		leftPoints = append(leftPoints, left[i].Translation)
		rightPoints = append(rightPoints, right[i].Translation)
	}
	if len(leftPoints) < 2 {
		return Similarity{}, ErrTooFewCorrespondences
	}
	if quat.Abs(sum) < 1e-9 {
		return Similarity{}, ErrDegenerateConfiguration
	}
	rotation := Normalize(sum)
	rm := QuatToRotationMatrix(rotation)

	leftCenter, rightCenter := centroid(leftPoints), centroid(rightPoints)
	leftSpread, rightSpread := spread(leftPoints, leftCenter), spread(rightPoints, rightCenter)
	if leftSpread < 1e-12 || rightSpread < 1e-12 {
		return Similarity{}, ErrDegenerateConfiguration
	}
	var correlation float64
	for i := range leftPoints {
		correlation += rightPoints[i].Sub(rightCenter).Dot(rm.Mul(leftPoints[i].Sub(leftCenter)))
	}
	scale, err := solveScale(scaleType, leftSpread, rightSpread, correlation)
	if err != nil {
		return Similarity{}, err
	}
	translation := rightCenter.Sub(rm.Mul(leftCenter).Mul(scale))
	return Similarity{Rotation: rotation, Translation: translation, Scale: scale}, nil
}

// AbsoluteTransformationWithOutliers solves from all valid pose pairs, then repeatedly keeps the
// (1 - outlierFraction) share of pairs with the smallest position residuals under the current
// estimate and solves again on them. It returns the similarity and the indices of the pairs used by
// the final solve.
func AbsoluteTransformationWithOutliers(
	left, right []Pose,
	outlierFraction float64,
	scaleType ScaleErrorType,
) (Similarity, []int, error) {
	const maxRounds = 3
	if outlierFraction < 0 || outlierFraction >= 1 {
		return Similarity{}, nil, errors.Errorf("outlier fraction %v outside [0, 1)", outlierFraction)
	}
	current, err := AbsoluteTransformationFromPoses(left, right, scaleType)
	if err != nil {
		return Similarity{}, nil, err
	}

	validIndices := make([]int, 0, len(left))
	for i := range left {
		if left[i].IsValid() && right[i].IsValid() {
			validIndices = append(validIndices, i)
		}
	}
	keep := int(math.Ceil(float64(len(validIndices)) * (1 - outlierFraction)))
	if keep < 2 || keep >= len(validIndices) {
		return current, validIndices, nil
	}

	var used []int
	for round := 0; round < maxRounds; round++ {
		residuals := make([]float64, len(validIndices))
		for n, i := range validIndices {
			residuals[n] = current.Apply(left[i].Translation).Sub(right[i].Translation).Norm()
		}
		threshold, err := stats.Percentile(residuals, 100*(1-outlierFraction))
		if err != nil {
			return Similarity{}, nil, errors.Wrap(err, "cannot rank pose residuals")
		}

		order := make([]int, len(validIndices))
		for n := range order {
			order[n] = n
		}
		sort.SliceStable(order, func(a, b int) bool { return residuals[order[a]] < residuals[order[b]] })

		selected := make([]int, 0, keep)
		for _, n := range order {
			if len(selected) == keep || (residuals[n] > threshold && len(selected) >= 2) {
				break
			}
			selected = append(selected, validIndices[n])
		}
		sort.Ints(selected)
		if sameIndices(selected, used) {
			break
		}
		used = selected

		subsetLeft := make([]Pose, len(used))
		subsetRight := make([]Pose, len(used))
		for n, i := range used {
			subsetLeft[n], subsetRight[n] = left[i], right[i]
		}
		if current, err = AbsoluteTransformationFromPoses(subsetLeft, subsetRight, scaleType); err != nil {
			return Similarity{}, nil, err
		}
	}
	return current, used, nil
}

func sameIndices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
