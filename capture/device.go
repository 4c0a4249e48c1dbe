package capture

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrPermissionDenied is returned when the device refuses access.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrDeviceLost is reported when an active stream fails mid-session.
	ErrDeviceLost = errors.New("capture: device lost")
	// ErrAlreadyActive is returned by Start when the session is not idle.
	ErrAlreadyActive = errors.New("capture: session already active")
	// ErrStreamClosed is returned by a SampleFeed read after its stream was closed.
	ErrStreamClosed = errors.New("capture: stream closed")
)

// Device is the microphone collaborator. Access may be revoked at any time,
// which surfaces as a SampleFeed read error.
//
//go:generate mockgen -source=device.go -destination=mock_device_test.go -package=capture
type Device interface {
	// RequestAccess asks for permission to record. A refusal wraps ErrPermissionDenied.
	RequestAccess(ctx context.Context) error
	// OpenStream opens and starts the raw sample feed.
	OpenStream(ctx context.Context) (SampleFeed, error)
	// CloseStream stops the feed and releases everything acquired since
	// RequestAccess. It must be safe to call more than once.
	CloseStream() error
}

// SampleFeed delivers interleaved PCM16 samples. Read blocks until a buffer is
// available and fails once the stream is closed or the device goes away.
type SampleFeed interface {
	Read() ([]int16, error)
}
