package keypoints

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	MaxDist      int  `json:"max_dist"`
}

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance int
}

// argMinPerRow returns, per row, the column of the smallest distance (first one on ties).
func argMinPerRow(distances [][]int) []int {
	out := make([]int, len(distances))
	for i, row := range distances {
		best := 0
		for j, d := range row {
			if d < row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// MatchDescriptors matches every descriptor of desc1 with its nearest neighbor in desc2 by brute
// force. With cross checking, a pair is kept only if they are mutual nearest neighbors. With a
// positive MaxDist, pairs at or beyond that distance are dropped. Matches are sorted by increasing
// distance.
func MatchDescriptors(desc1, desc2 []Descriptor, cfg *MatchingConfig) []DescriptorMatch {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil
	}
	distances := make([][]int, len(desc1))
	for i := range desc1 {
		distances[i] = make([]int, len(desc2))
		for j := range desc2 {
			distances[i][j] = Distance(desc1[i], desc2[j])
		}
	}
	best := argMinPerRow(distances)

	var reverse []int
	if cfg.DoCrossCheck {
		transposed := make([][]int, len(desc2))
		for j := range desc2 {
			transposed[j] = make([]int, len(desc1))
			for i := range desc1 {
				transposed[j][i] = distances[i][j]
			}
		}
		reverse = argMinPerRow(transposed)
	}

	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, j := range best {
		if cfg.DoCrossCheck && reverse[j] != i {
			continue
		}
		if cfg.MaxDist > 0 && distances[i][j] >= cfg.MaxDist {
			continue
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: j, Distance: distances[i][j]})
	}

	// sort
	dists := make([]float64, len(matches))
	for i, m := range matches {
		dists[i] = float64(m.Distance)
	}
	sortedIndices := make([]int, len(matches))
	floats.Argsort(dists, sortedIndices)
	sorted := make([]DescriptorMatch, len(matches))
	for i, idx := range sortedIndices {
		sorted[i] = matches[idx]
	}
	return sorted
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the corresponding keypoints that are matched.
func GetMatchingKeyPoints(matches []DescriptorMatch, kps1, kps2 []r2.Point) ([]r2.Point, []r2.Point, error) {
	matched1 := make([]r2.Point, len(matches))
	matched2 := make([]r2.Point, len(matches))
	for i, match := range matches {
		if match.Idx1 >= len(kps1) || match.Idx2 >= len(kps2) {
			return nil, nil, errors.Errorf("match %d refers to a missing keypoint", i)
		}
		matched1[i] = kps1[match.Idx1]
		matched2[i] = kps2[match.Idx2]
	}
	return matched1, matched2, nil
}
