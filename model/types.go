package model

import (
	"encoding/json"
	"sort"
	"time"
)

// AudioChunk represents one interval of captured audio, framed as raw PCM16LE.
// Seq is the arrival order within a capture activation and is the chunk's identity.
type AudioChunk struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// SampleWindow is a snapshot of normalized amplitudes in [-1, 1] used for visualization.
type SampleWindow []float64

// PredictionResult is one decoded analyzer message.
type PredictionResult struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	ClassProbs map[string]float64 `json:"class_probs"`
	Timestamp  string             `json:"timestamp,omitempty"`
}

// ClassProb is a single label/probability pair.
type ClassProb struct {
	Label       string
	Probability float64
}

// Top returns the n most probable classes, highest first. Ties are broken by label.
func (r PredictionResult) Top(n int) []ClassProb {
	out := make([]ClassProb, 0, len(r.ClassProbs))
	for label, p := range r.ClassProbs {
		out = append(out, ClassProb{Label: label, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability == out[j].Probability {
			return out[i].Label < out[j].Label
		}
		return out[i].Probability > out[j].Probability
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// AnalyzerError is what the analyzer sends back instead of a result when it
// cannot process a chunk. The "error" field is a string or a boolean depending
// on the server code path, so it is kept raw.
type AnalyzerError struct {
	Error     json.RawMessage `json:"error"`
	Code      string          `json:"error_code,omitempty"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Reason returns a human readable description of the error.
func (e AnalyzerError) Reason() string {
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil && s != "" {
		if e.Message != "" {
			return s + ": " + e.Message
		}
		return s
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
