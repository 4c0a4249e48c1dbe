// Package waveform holds the rolling visualization window produced while capturing.
package waveform

import (
	"sync/atomic"

	"github.com/mrsingh-rishi/emotion-stream/model"
)

// DefaultSize is the number of points in a visualization window.
const DefaultSize = 100

// RingBuffer publishes the most recent SampleWindow. Writers replace the whole
// window; readers always get a private copy of a fully written window.
type RingBuffer struct {
	size   int
	latest atomic.Pointer[model.SampleWindow]
}

// New creates a RingBuffer of the given window size. A non-positive size uses DefaultSize.
func New(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	b := &RingBuffer{size: size}
	b.Reset()
	return b
}

// Size returns the configured window length.
func (b *RingBuffer) Size() int { return b.size }

// Write replaces the visible window. The input is copied and padded with zeros
// or truncated to the configured size.
func (b *RingBuffer) Write(w model.SampleWindow) {
	next := make(model.SampleWindow, b.size)
	copy(next, w)
	b.latest.Store(&next)
}

// Read returns a copy of the latest window.
func (b *RingBuffer) Read() model.SampleWindow {
	cur := b.latest.Load()
	out := make(model.SampleWindow, b.size)
	copy(out, *cur)
	return out
}

// Reset restores the zero-filled window.
func (b *RingBuffer) Reset() {
	zero := make(model.SampleWindow, b.size)
	b.latest.Store(&zero)
}
