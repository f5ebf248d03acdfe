package detector

import (
	"math"
	"sort"
)

// PostprocessOptions controls candidate filtering.
type PostprocessOptions struct {
	MinScore float64
	IoU      float64
	MaxBoxes int
}

// Postprocess turns raw candidates into predictions for a width x height
// input: drop candidates under MinScore, run class-agnostic NMS, keep at most
// MaxBoxes, and convert boxes to [x, y, w, h] pixels. Output is ordered by
// descending score.
func Postprocess(cands []Candidate, width, height int, labels Labels, opts PostprocessOptions) []Prediction {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= opts.MinScore && !math.IsNaN(c.Score) {
			kept = append(kept, c)
		}
	}
	kept = NonMaxSuppression(kept, opts.IoU, opts.MaxBoxes)

	out := make([]Prediction, 0, len(kept))
	for _, c := range kept {
		out = append(out, Prediction{
			BBox:  toPixelBox(c.Box, width, height),
			Label: labels.Name(c.Class),
			Score: c.Score,
		})
	}
	return out
}

// toPixelBox converts a normalized [ymin, xmin, ymax, xmax] box to
// [x, y, w, h] pixels, clamped to the image.
func toPixelBox(b [4]float64, width, height int) [4]float64 {
	ymin := clamp01(math.Min(b[0], b[2]))
	xmin := clamp01(math.Min(b[1], b[3]))
	ymax := clamp01(math.Max(b[0], b[2]))
	xmax := clamp01(math.Max(b[1], b[3]))
	w, h := float64(width), float64(height)
	return [4]float64{xmin * w, ymin * h, (xmax - xmin) * w, (ymax - ymin) * h}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NonMaxSuppression performs greedy class-agnostic NMS and stops once
// maxBoxes candidates are kept (maxBoxes <= 0 means no limit).
func NonMaxSuppression(cands []Candidate, iouThreshold float64, maxBoxes int) []Candidate {
	if len(cands) == 0 {
		return cands
	}

	// Sort by score (descending), ties keep model order
	indices := make([]int, len(cands))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return cands[indices[i]].Score > cands[indices[j]].Score
	})

	suppressed := make([]bool, len(cands))
	kept := make([]Candidate, 0, len(cands))
	for ai, a := range indices {
		if suppressed[a] {
			continue
		}
		kept = append(kept, cands[a])
		if maxBoxes > 0 && len(kept) >= maxBoxes {
			break
		}
		for _, b := range indices[ai+1:] {
			if !suppressed[b] && ComputeIoU(cands[a].Box, cands[b].Box) > iouThreshold {
				suppressed[b] = true
			}
		}
	}
	return kept
}

// ComputeIoU returns the intersection over union of two [ymin, xmin, ymax, xmax] boxes.
func ComputeIoU(a, b [4]float64) float64 {
	top := math.Max(a[0], b[0])
	left := math.Max(a[1], b[1])
	bottom := math.Min(a[2], b[2])
	right := math.Min(a[3], b[3])

	if left >= right || top >= bottom {
		return 0.0
	}

	intersection := (right - left) * (bottom - top)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0.0
	}
	return intersection / union
}
