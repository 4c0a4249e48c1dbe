package transport

import (
	"bytes"
	"encoding/json"

	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/pkg/errors"
)

// Message is one decoded inbound frame: either a result or an analyzer error.
type Message struct {
	Result        *model.PredictionResult
	AnalyzerError *model.AnalyzerError
}

type probe struct {
	Error json.RawMessage `json:"error"`
	Label *string         `json:"label"`
}

// DecodeMessage parses a text frame sent by the analyzer. Anything that is not
// a JSON object carrying a label or an error wraps ErrMalformedMessage.
// Class probabilities are taken as-is.
func DecodeMessage(data []byte) (m Message, err error) {
	var p probe
	if err = json.Unmarshal(data, &p); err != nil {
		err = errors.Wrapf(ErrMalformedMessage, "%v", err)
		return
	}

	if isSet(p.Error) {
		var ae model.AnalyzerError
		if err = json.Unmarshal(data, &ae); err != nil {
			err = errors.Wrapf(ErrMalformedMessage, "analyzer error: %v", err)
			return
		}
		m.AnalyzerError = &ae
		return
	}

	if p.Label == nil {
		err = errors.Wrap(ErrMalformedMessage, "missing label")
		return
	}

	var r model.PredictionResult
	if err = json.Unmarshal(data, &r); err != nil {
		err = errors.Wrapf(ErrMalformedMessage, "result: %v", err)
		return
	}
	m.Result = &r
	return
}

func isSet(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && !bytes.Equal(v, []byte("null")) && !bytes.Equal(v, []byte("false"))
}
