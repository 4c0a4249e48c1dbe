package types

import "github.com/mrsingh-rishi/emotion-stream/model"

// ConnectionState is the lifecycle state of a transport connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ClosedWithError
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ClosedWithError:
		return "closed-with-error"
	default:
		return "unknown"
	}
}

// ResultSink receives decoded results and status changes. It is usually a UI.
type ResultSink interface {
	OnResult(result model.PredictionResult)
	OnStatusChange(state ConnectionState)
}

// ErrorReporter is implemented by sinks that want to be told why a session ended.
type ErrorReporter interface {
	OnSessionError(err error)
}
