package utils

import (
	"math"

	"github.com/golang/geo/r2"
)

// Square returns n * n.
func Square(n float64) float64 {
	return n * n
}

// SquaredDistance2D returns the squared euclidean distance between two image points.
func SquaredDistance2D(a, b r2.Point) float64 {
	d := a.Sub(b)
	return d.Dot(d)
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// RansacIterations returns how many random minimal samples of sampleSize elements must be drawn
// so that, with the given confidence, at least one of them is free of outliers when a share
// faultyRatio of the data are outliers. The result is at least 1 and saturates at math.MaxInt32.
func RansacIterations(sampleSize int, confidence, faultyRatio float64) int {
	if faultyRatio <= 0 {
		return 1
	}
	if faultyRatio >= 1 || confidence >= 1 {
		return math.MaxInt32
	}
	good := math.Pow(1-faultyRatio, float64(sampleSize))
	if good <= 0 {
		return math.MaxInt32
	}
	if good >= 1 {
		return 1
	}
	n := math.Ceil(math.Log(1-confidence) / math.Log(1-good))
	if n < 1 {
		return 1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
