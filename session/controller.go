// Package session ties capture and transport together into one streaming
// session: connect first, then record, and tear both down together.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrsingh-rishi/emotion-stream/capture"
	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/mrsingh-rishi/emotion-stream/transport"
	"github.com/mrsingh-rishi/emotion-stream/types"
	"github.com/mrsingh-rishi/emotion-stream/workers"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosedByServer is reported when the analyzer ends the connection cleanly.
var ErrClosedByServer = errors.New("session: connection closed by analyzer")

// Capturer is the part of capture.Session the controller drives.
type Capturer interface {
	Start(ctx context.Context, consumer capture.ChunkConsumer) error
	Stop() error
}

// Transporter is the part of transport.Transport the controller drives.
type Transporter interface {
	Subscribe(o transport.Observer) (unsubscribe func())
	Connect(ctx context.Context, sessionID string) error
	Send(chunk model.AudioChunk) bool
	Close()
}

type Options struct {
	ResultBuffer int
	Logger       *zap.Logger
	NewID        func() string
}

// Controller runs at most one session at a time. The sink is notified of
// every status change, in order, and must not call back into the controller.
type Controller struct {
	capture   Capturer
	transport Transporter
	sink      types.ResultSink
	o         Options
	log       *zap.Logger

	notifyMu sync.Mutex // serializes status notifications

	mu      sync.Mutex // locks status, current, last
	status  types.ConnectionState
	current *run
	last    *run
}

type run struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	results     *workers.ResultWorker
	ended       chan struct{}
	cause       error // why the session ended; nil for StopSession
}

// NewID returns a session id of the form client_<unix millis>_<8 hex chars>.
func NewID() string {
	return fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func New(c Capturer, t Transporter, sink types.ResultSink, o Options) *Controller {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewID == nil {
		o.NewID = NewID
	}
	return &Controller{
		capture:   c,
		transport: t,
		sink:      sink,
		o:         o,
		log:       o.Logger.Named("session"),
	}
}

// Status returns the externally visible connection status.
func (c *Controller) Status() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the id of the active session, or "" when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Ended returns a channel closed when the most recent session ends, or nil
// if no session was ever started.
func (c *Controller) Ended() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.ended
}

// Err returns why the most recent session ended, or nil if it is still
// running, was stopped with StopSession, or never started.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.cause
}

// StartSession ends any active session, then connects a new one. Capture
// starts only once the connection is open. ctx bounds the connection attempt.
func (c *Controller) StartSession(ctx context.Context) (string, error) {
	if err := c.StopSession(); err != nil {
		c.log.Warn("stopping previous session failed", zap.Error(err))
	}

	results, err := workers.NewResultWorker(c.sink, c.o.ResultBuffer, c.o.Logger)
	if err != nil {
		return "", err
	}
	results.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      c.o.NewID(),
		ctx:     runCtx,
		cancel:  cancel,
		results: results,
		ended:   make(chan struct{}),
	}
	r.unsubscribe = c.transport.Subscribe(transport.Observer{
		OnOpen:          func() { c.opened(r) },
		OnMessage:       func(res model.PredictionResult) { c.received(r, res) },
		OnAnalyzerError: func(e model.AnalyzerError) { c.rejected(r, e) },
		OnError:         func(err error) { c.failed(r, err) },
		OnClose:         func() { c.closed(r) },
	})

	c.mu.Lock()
	c.current = r
	c.last = r
	c.mu.Unlock()

	log := c.log.With(zap.String("session_id", r.id))
	log.Info("starting session")
	c.setStatus(r, types.Connecting)

	if err = c.transport.Connect(ctx, r.id); err != nil {
		err = errors.Wrap(err, "session: connect failed")
		c.end(r, err)
		return "", err
	}
	return r.id, nil
}

// StopSession stops capture first, then closes the connection, then reports
// Disconnected. Stopping without an active session is a no-op.
func (c *Controller) StopSession() error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return c.end(r, nil)
}

// DeviceLost ends the active session after the capture device failed. It is
// meant to be wired to capture.Options.OnDeviceLost.
func (c *Controller) DeviceLost(err error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return
	}
	c.end(r, err)
}

// setStatus changes the status if r is still the active session and tells the sink.
func (c *Controller) setStatus(r *run, st types.ConnectionState) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.current != r {
		c.mu.Unlock()
		return false
	}
	c.status = st
	c.mu.Unlock()

	c.sink.OnStatusChange(st)
	return true
}

func (c *Controller) opened(r *run) {
	if !c.setStatus(r, types.Connected) {
		return
	}
	c.log.Info("connected, starting capture", zap.String("session_id", r.id))

	if err := c.capture.Start(r.ctx, c.forward(r)); err != nil {
		if r.ctx.Err() != nil {
			// The session ended while access was pending.
			return
		}
		c.log.Warn("capture failed to start", zap.String("session_id", r.id), zap.Error(err))
		c.end(r, err)
	}
}

// forward returns the chunk consumer for r. It runs under the capture
// emission lock, so it only reads controller state and sends without blocking.
func (c *Controller) forward(r *run) capture.ChunkConsumer {
	return func(chunk model.AudioChunk) {
		c.mu.Lock()
		live := c.current == r && c.status == types.Connected
		c.mu.Unlock()
		if !live {
			c.log.Debug("session not connected, chunk dropped", zap.Uint64("seq", chunk.Seq))
			return
		}
		c.transport.Send(chunk)
	}
}

func (c *Controller) received(r *run, res model.PredictionResult) {
	c.mu.Lock()
	live := c.current == r
	c.mu.Unlock()
	if live {
		r.results.Submit(res)
	}
}

func (c *Controller) rejected(r *run, e model.AnalyzerError) {
	c.log.Warn("analyzer could not process chunk", zap.String("session_id", r.id), zap.String("reason", e.Reason()))
}

func (c *Controller) failed(r *run, err error) {
	if !c.setStatus(r, types.ClosedWithError) {
		return
	}
	c.log.Warn("connection failed", zap.String("session_id", r.id), zap.Error(err))
	c.end(r, err)
}

func (c *Controller) closed(r *run) {
	c.end(r, ErrClosedByServer)
}

// end tears r down once: capture, then transport, then status. cause, if
// any, goes to the sink when it implements types.ErrorReporter.
func (c *Controller) end(r *run, cause error) error {
	c.mu.Lock()
	if c.current != r {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Cancelled before Stop so a capture start racing this call aborts.
	r.cancel()
	err := c.capture.Stop()
	if err != nil {
		err = errors.Wrap(err, "session: stopping capture failed")
		c.log.Warn("stopping capture failed", zap.String("session_id", r.id), zap.Error(err))
	}

	r.unsubscribe()
	c.transport.Close()
	r.results.Stop()

	c.notifyMu.Lock()
	c.mu.Lock()
	if c.current != r {
		// A concurrent end got here first.
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return err
	}
	c.current = nil
	c.status = types.Disconnected
	r.cause = cause
	c.mu.Unlock()
	c.sink.OnStatusChange(types.Disconnected)
	c.notifyMu.Unlock()

	if cause != nil {
		c.log.Info("session ended", zap.String("session_id", r.id), zap.Error(cause))
		if rep, ok := c.sink.(types.ErrorReporter); ok {
			rep.OnSessionError(cause)
		}
	} else {
		c.log.Info("session stopped", zap.String("session_id", r.id))
	}
	close(r.ended)
	return err
}
