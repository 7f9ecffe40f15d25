package vision

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"

	"github.com/drosenbauer/sightline/pkg/protocol"
)

// iouEpsilon keeps the IoU denominator away from zero for degenerate overlaps.
const iouEpsilon = 1e-6

// candidateStride is the per-candidate field count in the detector output:
// (x0, y0, x1, y1, score, class-id).
const candidateStride = 6

// PostprocessConfig controls detection filtering.
type PostprocessConfig struct {
	// InputSize is the detector input edge; raw coordinates are divided
	// by it to normalize into [0,1].
	InputSize int

	// ScoreThreshold discards candidates with score <= threshold.
	ScoreThreshold float64

	// IOUThreshold is the non-maximum-suppression overlap limit.
	IOUThreshold float64
}

// Postprocess converts a raw detector output tensor of shape [1, N, 6] into
// the final ordered detection list: score filtering, coordinate
// normalization, degenerate-box removal, score-descending sort, and greedy
// non-maximum suppression.
func Postprocess(out tensor.Tensor, cfg PostprocessConfig) ([]protocol.Detection, error) {
	shape := out.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[2] != candidateStride {
		return nil, fmt.Errorf("unexpected output shape %v, want [1 N %d]", shape, candidateStride)
	}
	if shape[1] == 0 {
		// Data() panics on an empty backing array.
		return []protocol.Detection{}, nil
	}

	raw, ok := out.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected output element type %T, want []float32", out.Data())
	}

	n := shape[1]
	if len(raw) < n*candidateStride {
		return nil, fmt.Errorf("output buffer holds %d values, want %d", len(raw), n*candidateStride)
	}

	size := float64(cfg.InputSize)
	candidates := make([]protocol.Detection, 0, n)
	for i := 0; i < n; i++ {
		c := raw[i*candidateStride : (i+1)*candidateStride]
		score := float64(c[4])
		classID := int(c[5])

		if score <= cfg.ScoreThreshold {
			continue
		}
		label, ok := Label(classID)
		if !ok {
			continue
		}

		det := protocol.Detection{
			Label: label,
			Score: score,
			XMin:  clamp01(float64(c[0]) / size),
			YMin:  clamp01(float64(c[1]) / size),
			XMax:  clamp01(float64(c[2]) / size),
			YMax:  clamp01(float64(c[3]) / size),
		}
		if det.XMax <= det.XMin || det.YMax <= det.YMin {
			continue
		}
		candidates = append(candidates, det)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return suppress(candidates, cfg.IOUThreshold), nil
}

// suppress applies greedy non-maximum suppression to a score-descending
// candidate list. Suppressed candidates are removed, not re-scored.
func suppress(sorted []protocol.Detection, iouThreshold float64) []protocol.Detection {
	kept := make([]protocol.Detection, 0, len(sorted))
	for _, cand := range sorted {
		overlapped := false
		for _, k := range kept {
			if IoU(cand, k) > iouThreshold {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, cand)
		}
	}
	return kept
}

// IoU computes intersection-over-union of two normalized boxes, with a small
// epsilon in the denominator.
func IoU(a, b protocol.Detection) float64 {
	ix := min(a.XMax, b.XMax) - max(a.XMin, b.XMin)
	iy := min(a.YMax, b.YMax) - max(a.YMin, b.YMin)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	areaA := (a.XMax - a.XMin) * (a.YMax - a.YMin)
	areaB := (b.XMax - b.XMin) * (b.YMax - b.YMin)
	return inter / (areaA + areaB - inter + iouEpsilon)
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
