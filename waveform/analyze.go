package waveform

import (
	"math"

	"github.com/mrsingh-rishi/emotion-stream/model"
)

// Analyze reduces raw PCM16 samples to a window of size points. Each point is
// the signed peak of its bucket, normalized to [-1, 1]. Fewer samples than
// points leave the tail at zero.
func Analyze(samples []int16, size int) model.SampleWindow {
	w := make(model.SampleWindow, size)
	if len(samples) == 0 || size <= 0 {
		return w
	}
	bucket := len(samples) / size
	if bucket == 0 {
		bucket = 1
	}
	for i := 0; i < size; i++ {
		start := i * bucket
		if start >= len(samples) {
			break
		}
		end := start + bucket
		if end > len(samples) || i == size-1 {
			end = len(samples)
		}
		var peak int32
		for _, s := range samples[start:end] {
			v := int32(s)
			if abs32(v) > abs32(peak) {
				peak = v
			}
		}
		w[i] = clamp(float64(peak) / math.MaxInt16)
	}
	return w
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
