package keypoints

import (
	"image"
	"sort"
)

// FASTConfig holds the parameters for FAST corner detection.
type FASTConfig struct {
	// Threshold is the intensity difference to the center for a circle pixel to count as brighter
	// or darker.
	Threshold      int `json:"threshold"`
	NMatchesCircle int `json:"n_matches"`
	NMSWinSize     int `json:"nms_win_size"`
}

// CircleIdx is the Bresenham circle of radius 3 around a candidate, clockwise from the top.
var CircleIdx = [16]image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// FASTKeypoints are FAST corners with their corner scores and, once computed, orientations.
type FASTKeypoints struct {
	Points       []image.Point
	Scores       []int
	Orientations []float64
}

// GetPointValuesInNeighborhood returns the intensities at the given offsets around p.
func GetPointValuesInNeighborhood(img *image.Gray, p image.Point, offsets []image.Point) []int {
	vals := make([]int, len(offsets))
	for i, o := range offsets {
		vals[i] = int(img.GrayAt(p.X+o.X, p.Y+o.Y).Y)
	}
	return vals
}

// cornerScore returns the FAST score of p, 0 when p is not a corner: at least n contiguous circle
// pixels must all be brighter than center+t or all darker than center-t.
func cornerScore(img *image.Gray, p image.Point, cfg *FASTConfig) int {
	center := int(img.GrayAt(p.X, p.Y).Y)
	vals := GetPointValuesInNeighborhood(img, p, CircleIdx[:])
	var states [16]int
	score := 0
	for i, v := range vals {
		switch {
		case v > center+cfg.Threshold:
			states[i] = 1
			score += v - center - cfg.Threshold
		case v < center-cfg.Threshold:
			states[i] = -1
			score += center - cfg.Threshold - v
		}
	}
	for _, want := range []int{1, -1} {
		run := 0
		for i := 0; i < 2*len(states); i++ {
			if states[i%len(states)] != want {
				run = 0
				continue
			}
			run++
			if run >= cfg.NMatchesCircle {
				return score
			}
		}
	}
	return 0
}

// DetectFAST finds FAST corners at least border pixels away from the image edges, keeping only
// local maxima of the corner score within the NMS window. Equal scores are resolved in favor of
// the first point in raster order.
func DetectFAST(img *image.Gray, cfg *FASTConfig, border int) *FASTKeypoints {
	bounds := img.Bounds()
	border = max(border, 3)
	w, h := bounds.Dx(), bounds.Dy()
	scores := make([]int, w*h)
	for y := bounds.Min.Y + border; y < bounds.Max.Y-border; y++ {
		for x := bounds.Min.X + border; x < bounds.Max.X-border; x++ {
			scores[(y-bounds.Min.Y)*w+(x-bounds.Min.X)] = cornerScore(img, image.Point{x, y}, cfg)
		}
	}

	half := cfg.NMSWinSize / 2
	kps := &FASTKeypoints{}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := scores[y*w+x]
			if s == 0 || !isLocalMaximum(scores, w, h, x, y, half) {
				continue
			}
			kps.Points = append(kps.Points, image.Point{x + bounds.Min.X, y + bounds.Min.Y})
			kps.Scores = append(kps.Scores, s)
		}
	}
	return kps
}

func isLocalMaximum(scores []int, w, h, x, y, half int) bool {
	s := scores[y*w+x]
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			other := scores[ny*w+nx]
			if other > s {
				return false
			}
			// earlier in raster order wins ties
			if other == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// KeepStrongest keeps the n keypoints with the highest scores, in raster order for equal scores.
// n <= 0 keeps everything.
func (kps *FASTKeypoints) KeepStrongest(n int) {
	if n <= 0 || len(kps.Points) <= n {
		return
	}
	order := make([]int, len(kps.Points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return kps.Scores[order[a]] > kps.Scores[order[b]] })
	order = order[:n]
	sort.Ints(order)
	points := make([]image.Point, n)
	scores := make([]int, n)
	for i, idx := range order {
		points[i], scores[i] = kps.Points[idx], kps.Scores[idx]
	}
	kps.Points, kps.Scores = points, scores
	if kps.Orientations != nil {
		orientations := make([]float64, n)
		for i, idx := range order {
			orientations[i] = kps.Orientations[idx]
		}
		kps.Orientations = orientations
	}
}
