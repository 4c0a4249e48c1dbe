package mockanalyzer

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/pkg/errors"
)

// DefaultLabels are the emotion classes the analyzer reports.
var DefaultLabels = []string{"neutral", "happy", "sad", "angry", "fear", "surprise"}

// Features are the crude acoustic measures the mock model works from.
type Features struct {
	RMS              float64
	ZeroCrossingRate float64
}

// Extract decodes PCM16LE and measures it. An odd byte count is rejected, the
// same way the real backend refuses buffers it cannot align.
func Extract(data []byte) (f Features, err error) {
	if len(data) == 0 {
		return f, errors.New("empty audio chunk")
	}
	if len(data)%2 != 0 {
		return f, errors.Errorf("Cannot process audio data of size %d bytes", len(data))
	}
	n := len(data) / 2
	var sum float64
	var crossings int
	var prev int16
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		x := float64(v) / math.MaxInt16
		sum += x * x
		if i > 0 && (v >= 0) != (prev >= 0) {
			crossings++
		}
		prev = v
	}
	f.RMS = math.Sqrt(sum / float64(n))
	if n > 1 {
		f.ZeroCrossingRate = float64(crossings) / float64(n-1)
	}
	return f, nil
}

// Predict maps features to a probability per label. jitter adds uniform noise
// to the logits; zero makes the output deterministic.
func Predict(f Features, labels []string, rnd *rand.Rand, jitter float64) model.PredictionResult {
	logits := make([]float64, len(labels))
	for i, l := range labels {
		switch l {
		case "neutral":
			logits[i] = 2 - 8*f.RMS
		case "happy":
			logits[i] = 6*f.RMS + 4*f.ZeroCrossingRate
		case "sad":
			logits[i] = 1.5 - 6*f.ZeroCrossingRate - 2*f.RMS
		case "angry":
			logits[i] = 10*f.RMS - 1
		case "fear":
			logits[i] = 6*f.ZeroCrossingRate - 1
		case "surprise":
			logits[i] = 4*f.RMS + 2*f.ZeroCrossingRate - 0.5
		}
		if jitter > 0 && rnd != nil {
			logits[i] += (rnd.Float64()*2 - 1) * jitter
		}
	}

	probs := softmax(logits)
	r := model.PredictionResult{
		ClassProbs: make(map[string]float64, len(labels)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for i, l := range labels {
		r.ClassProbs[l] = probs[i]
		if probs[i] > r.Confidence {
			r.Confidence = probs[i]
			r.Label = l
		}
	}
	return r
}

func softmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	max := xs[0]
	for _, x := range xs[1:] {
		max = math.Max(max, x)
	}
	var sum float64
	for i, x := range xs {
		out[i] = math.Exp(x - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func errorFrame(reason, message string) model.AnalyzerError {
	raw, _ := json.Marshal(reason)
	return model.AnalyzerError{
		Error:     raw,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
