// Package capture owns the microphone for the lifetime of a recording and
// turns its raw feed into timed audio chunks and visualization windows.
package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/mrsingh-rishi/emotion-stream/waveform"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the lifecycle state of a capture session.
type State int

const (
	Idle State = iota
	RequestingPermission
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingPermission:
		return "requesting-permission"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Defaults
const (
	DefaultChunkInterval = time.Second
	DefaultFrameInterval = 16 * time.Millisecond
)

// Ticker abstracts time.Ticker so cadences can be driven by tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

// ChunkConsumer receives every emitted chunk, in capture order. It is called
// with the emission lock held and must neither block nor call Stop.
type ChunkConsumer func(chunk model.AudioChunk)

// Options configures a Session.
type Options struct {
	ChunkInterval time.Duration
	FrameInterval time.Duration
	WindowSize    int
	Logger        *zap.Logger
	// OnDeviceLost is called after the session stopped itself because the
	// feed failed. The error wraps ErrDeviceLost.
	OnDeviceLost func(err error)
	NewTicker    func(d time.Duration) Ticker
	Now          func() time.Time
}

// Session is the capture state machine: Idle -> RequestingPermission -> Active -> Idle.
type Session struct {
	device Device
	o      Options
	log    *zap.Logger
	buffer *waveform.RingBuffer

	mu           sync.Mutex // locks state, run, abortPending, pendingDone
	state        State
	run          *activation
	abortPending bool
	pendingDone  chan struct{} // closed when the pending Start returns

	emitMu   sync.Mutex // locks stopped, pending, seq, consumer
	stopped  bool
	pending  []byte
	seq      uint64
	consumer ChunkConsumer

	latestMu sync.Mutex
	latest   []int16
}

type activation struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopping bool
}

// NewSession creates an idle session for the device.
func NewSession(device Device, o Options) *Session {
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = DefaultChunkInterval
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = DefaultFrameInterval
	}
	if o.WindowSize <= 0 {
		o.WindowSize = waveform.DefaultSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewTicker == nil {
		o.NewTicker = NewTimeTicker
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Session{
		device:  device,
		o:       o,
		log:     o.Logger.Named("capture"),
		buffer:  waveform.New(o.WindowSize),
		stopped: true,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffer returns the visualization buffer fed while Active.
func (s *Session) Buffer() *waveform.RingBuffer { return s.buffer }

// Window returns the latest visualization window.
func (s *Session) Window() model.SampleWindow { return s.buffer.Read() }

// Start requests device access and, once granted, starts emitting chunks to
// consumer. A refusal leaves the session Idle and returns an error wrapping
// ErrPermissionDenied. Cancelling ctx or calling Stop while access is pending
// aborts the start. A Start issued while an aborted start or a Stop is still
// releasing the device waits for it instead of failing with ErrAlreadyActive.
func (s *Session) Start(ctx context.Context, consumer ChunkConsumer) error {
	s.mu.Lock()
	for {
		var wait chan struct{}
		switch {
		case s.state == RequestingPermission && s.abortPending:
			wait = s.pendingDone
		case s.state == Active && s.run != nil && s.run.stopping:
			wait = s.run.done
		}
		if wait == nil {
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.state = RequestingPermission
	s.abortPending = false
	pending := make(chan struct{})
	s.pendingDone = pending
	s.mu.Unlock()

	s.log.Debug("requesting device access")
	if err := s.device.RequestAccess(ctx); err != nil {
		s.abortStart(pending)
		if errors.Is(err, ErrPermissionDenied) {
			s.log.Warn("device access denied", zap.Error(err))
			return err
		}
		return errors.Wrap(err, "capture: requesting device access failed")
	}

	feed, err := s.device.OpenStream(ctx)
	if err != nil {
		s.abortStart(pending)
		return errors.Wrap(err, "capture: opening stream failed")
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.abortPending {
		s.mu.Unlock()
		s.abortStart(pending)
		if err = ctx.Err(); err == nil {
			err = context.Canceled
		}
		s.log.Debug("start aborted while access was pending")
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &activation{cancel: cancel, done: make(chan struct{})}
	s.run = r

	s.emitMu.Lock()
	s.stopped = false
	s.pending = nil
	s.seq = 0
	s.consumer = consumer
	s.emitMu.Unlock()

	s.state = Active
	s.pendingDone = nil
	close(pending)
	r.wg.Add(3)
	go s.readLoop(runCtx, r, feed)
	go s.chunkLoop(runCtx, r)
	go s.analyzeLoop(runCtx, r)
	s.mu.Unlock()

	s.log.Info("capture started", zap.Duration("chunk_interval", s.o.ChunkInterval))
	return nil
}

// abortStart releases whatever RequestAccess/OpenStream acquired and returns to Idle.
func (s *Session) abortStart(pending chan struct{}) {
	if err := s.device.CloseStream(); err != nil {
		s.log.Warn("releasing device failed", zap.Error(err))
	}
	s.mu.Lock()
	s.state = Idle
	s.abortPending = false
	s.pendingDone = nil
	s.mu.Unlock()
	close(pending)
}

// Stop ends the recording. When Stop returns no further chunk reaches the
// consumer, the device is released and every goroutine has exited. Stopping
// an idle session is a no-op. During a pending permission request Stop only
// marks the start as aborted; the pending Start releases the device itself.
func (s *Session) Stop() error {
	_, err := s.stop(nil)
	return err
}

// stop ends the activation only, or the current one when only is nil. It
// reports whether this call performed the stop.
func (s *Session) stop(only *activation) (bool, error) {
	s.mu.Lock()
	switch {
	case only != nil && s.run != only:
		s.mu.Unlock()
		return false, nil
	case s.state == RequestingPermission:
		s.abortPending = true
		s.mu.Unlock()
		return false, nil
	case s.state != Active || s.run == nil:
		s.mu.Unlock()
		return false, nil
	case s.run.stopping:
		r := s.run
		s.mu.Unlock()
		<-r.done
		return false, nil
	}

	r := s.run
	r.stopping = true

	// The flag is set before anything else so an emission racing this call is suppressed.
	s.emitMu.Lock()
	s.stopped = true
	s.pending = nil
	s.consumer = nil
	s.emitMu.Unlock()

	r.cancel()
	s.mu.Unlock()

	err := s.device.CloseStream()
	if err != nil {
		err = errors.Wrap(err, "capture: closing stream failed")
	}
	r.wg.Wait()

	s.latestMu.Lock()
	s.latest = nil
	s.latestMu.Unlock()
	s.buffer.Reset()

	s.mu.Lock()
	s.state = Idle
	s.run = nil
	s.mu.Unlock()
	close(r.done)

	s.log.Info("capture stopped")
	return true, err
}

func (s *Session) readLoop(ctx context.Context, r *activation, feed SampleFeed) {
	defer r.wg.Done()
	for {
		samples, err := feed.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			go s.deviceLost(r, err)
			return
		}
		s.collect(samples)
	}
}

// deviceLost stops r after its feed failed. A loss reported for an activation
// that was already stopped or replaced is ignored.
func (s *Session) deviceLost(r *activation, cause error) {
	err := errors.Wrapf(ErrDeviceLost, "%v", cause)
	s.log.Warn("device lost, stopping capture", zap.Error(cause))
	stopped, serr := s.stop(r)
	if serr != nil {
		s.log.Warn("stopping after device loss failed", zap.Error(serr))
	}
	if !stopped {
		s.log.Debug("stale device loss ignored", zap.Error(cause))
		return
	}
	if s.o.OnDeviceLost != nil {
		s.o.OnDeviceLost(err)
	}
}

func (s *Session) collect(samples []int16) {
	s.latestMu.Lock()
	s.latest = samples
	s.latestMu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped {
		return
	}
	for _, v := range samples {
		s.pending = binary.LittleEndian.AppendUint16(s.pending, uint16(v))
	}
}

func (s *Session) chunkLoop(ctx context.Context, r *activation) {
	defer r.wg.Done()
	t := s.o.NewTicker(s.o.ChunkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.emit()
		}
	}
}

func (s *Session) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped || s.consumer == nil {
		s.log.Debug("chunk suppressed after stop")
		return
	}
	if len(s.pending) == 0 {
		return
	}
	s.seq++
	chunk := model.AudioChunk{Seq: s.seq, Data: s.pending, CapturedAt: s.o.Now()}
	s.pending = nil
	s.log.Debug("chunk emitted", zap.Uint64("seq", chunk.Seq), zap.Int("bytes", len(chunk.Data)))
	s.consumer(chunk)
}

func (s *Session) analyzeLoop(ctx context.Context, r *activation) {
	defer r.wg.Done()
	t := s.o.NewTicker(s.o.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.latestMu.Lock()
			samples := s.latest
			s.latestMu.Unlock()
			if samples != nil {
				s.buffer.Write(waveform.Analyze(samples, s.buffer.Size()))
			}
		}
	}
}
