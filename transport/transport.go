// Package transport streams audio chunks to the remote analyzer over a
// websocket and decodes the results it sends back.
package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/mrsingh-rishi/emotion-stream/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrConnectionFailure wraps every dial failure and abnormal drop.
	ErrConnectionFailure = errors.New("transport: connection failure")
	// ErrAlreadyConnected is returned by Connect while a connection is live or pending.
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrMalformedMessage wraps inbound frames that cannot be decoded.
	ErrMalformedMessage = errors.New("transport: malformed message")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	DefaultConnectTimeout = 10 * time.Second
	DefaultOutboxSize     = 32
	realtimePath          = "/ws/realtime/"
)

// Observer receives connection events. Nil funcs are skipped. Events of a
// connection are delivered in order from a single goroutine, and each fires
// at most once per state transition.
type Observer struct {
	OnOpen          func()
	OnMessage       func(result model.PredictionResult)
	OnAnalyzerError func(e model.AnalyzerError)
	OnClose         func()
	OnError         func(err error)
}

// Options configures a Transport.
type Options struct {
	ServerURL      string
	ConnectTimeout time.Duration
	OutboxSize     int
	Logger         *zap.Logger
	Dialer         *websocket.Dialer
}

// Transport owns one duplex connection at a time. It is reusable: after a
// close or failure a new Connect is always legal.
type Transport struct {
	o      Options
	log    *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     types.ConnectionState
	sessionID string
	conn      *connection

	obsMu     sync.Mutex
	observers []subscription
	nextObsID uint64

	dropped atomic.Uint64
}

type subscription struct {
	id uint64
	o  Observer
}

type connection struct {
	ws         *websocket.Conn
	outbox     chan []byte
	closing    chan struct{} // asks the write pump to flush and exit
	pumpDone   chan struct{} // closed when the write pump exits
	done       chan struct{}
	doneOnce   sync.Once
	cancelDial context.CancelFunc
	events     *dispatcher
}

func (c *connection) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.cancelDial()
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// New creates a disconnected Transport.
func New(o Options) *Transport {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	d := o.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: o.ConnectTimeout}
	}
	return &Transport{o: o, log: o.Logger.Named("transport"), dialer: d}
}

// BuildURL returns the realtime endpoint for a session: <base>/ws/realtime/<id>.
// http and https bases are mapped to ws and wss.
func BuildURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "transport: parsing server url %q failed", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("transport: unsupported scheme %q in %q", u.Scheme, base)
	}
	if u.Host == "" {
		return "", errors.Errorf("transport: missing host in %q", base)
	}
	if sessionID == "" {
		return "", errors.New("transport: empty session id")
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath + url.PathEscape(sessionID)
	return u.String(), nil
}

// Subscribe registers an observer and returns a func that removes it.
func (t *Transport) Subscribe(o Observer) (unsubscribe func()) {
	t.obsMu.Lock()
	t.nextObsID++
	id := t.nextObsID
	t.observers = append(t.observers, subscription{id: id, o: o})
	t.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.obsMu.Lock()
			defer t.obsMu.Unlock()
			for i, s := range t.observers {
				if s.id == id {
					t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the id of the last Connect call.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Dropped returns how many chunks were dropped because the outbox was full.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// Connect starts dialing the analyzer for sessionID and returns immediately.
// OnOpen fires once connected; OnError, with an error wrapping
// ErrConnectionFailure, fires if the dial fails or exceeds ConnectTimeout.
// Connecting from ClosedWithError acknowledges the previous failure.
func (t *Transport) Connect(ctx context.Context, sessionID string) error {
	u, err := BuildURL(t.o.ServerURL, sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == types.Connecting || t.state == types.Connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.o.ConnectTimeout)
	c := &connection{
		outbox:     make(chan []byte, t.o.OutboxSize),
		closing:    make(chan struct{}),
		pumpDone:   make(chan struct{}),
		done:       make(chan struct{}),
		cancelDial: cancel,
		events:     newDispatcher(t.deliver),
	}
	t.conn = c
	t.sessionID = sessionID
	t.state = types.Connecting
	t.mu.Unlock()

	t.log.Info("connecting", zap.String("url", u), zap.String("session_id", sessionID))
	go t.dial(dialCtx, c, u)
	return nil
}

func (t *Transport) dial(ctx context.Context, c *connection, u string) {
	ws, resp, err := t.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.conn != c {
		// Closed while dialing.
		t.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}

	if err != nil {
		t.state = types.ClosedWithError
		t.conn = nil
		t.mu.Unlock()
		c.shutdown()
		err = errors.Wrapf(ErrConnectionFailure, "dialing %s: %v", u, err)
		t.log.Warn("connection failed", zap.Error(err))
		c.events.push(event{kind: eventError, err: err, terminal: true})
		return
	}

	c.ws = ws
	t.state = types.Connected
	t.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	t.log.Info("connected", zap.String("url", u))
	c.events.push(event{kind: eventOpen})
	go t.writePump(c)
	go t.readPump(c)
}

// Send queues a chunk for transmission. It never blocks: while not connected
// the chunk is dropped with a warning, and a full outbox drops it too.
func (t *Transport) Send(chunk model.AudioChunk) bool {
	t.mu.Lock()
	c, st := t.conn, t.state
	t.mu.Unlock()

	if st != types.Connected || c == nil {
		t.log.Warn("not connected, cannot send audio chunk", zap.Uint64("seq", chunk.Seq), zap.Stringer("state", st))
		return false
	}

	select {
	case <-c.done:
		t.log.Warn("connection closing, audio chunk dropped", zap.Uint64("seq", chunk.Seq))
		return false
	default:
	}

	select {
	case c.outbox <- chunk.Data:
		return true
	default:
		t.dropped.Add(1)
		t.log.Warn("outbox full, audio chunk dropped", zap.Uint64("seq", chunk.Seq), zap.Int("outbox_size", cap(c.outbox)))
		return false
	}
}

// Close tears down the connection and returns to Disconnected. On a live
// connection the chunks already accepted by Send are written before the close
// frame, within writeWait. OnClose fires if a connection was live or pending.
// Closing an already closed Transport is a no-op; closing after a failure
// acknowledges it.
func (t *Transport) Close() {
	t.mu.Lock()
	c, prev := t.conn, t.state
	t.conn = nil
	t.state = types.Disconnected
	t.mu.Unlock()

	if c == nil {
		return
	}

	if prev == types.Connected && c.ws != nil {
		close(c.closing)
		select {
		case <-c.pumpDone:
		case <-time.After(writeWait):
			t.log.Warn("flushing outbox timed out", zap.Int("pending", len(c.outbox)))
		}
		if err := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Closing connection"),
			time.Now().Add(writeWait)); err != nil {
			t.log.Debug("writing close frame failed", zap.Error(err))
		}
	}
	c.shutdown()
	t.log.Info("connection closed", zap.Stringer("previous_state", prev))
	c.events.push(event{kind: eventClose, terminal: true})
}

func (t *Transport) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.pumpDone)
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.closing:
			t.flush(c)
			return

		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.log.Warn("write error", zap.Error(err))
				// Unblocks the read pump, which reports the drop.
				c.ws.Close()
				return
			}
			t.log.Debug("audio chunk sent", zap.Int("bytes", len(data)))

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// flush writes whatever is left in the outbox, all within one writeWait.
func (t *Transport) flush(c *connection) {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.log.Warn("write error while flushing", zap.Error(err), zap.Int("dropped", len(c.outbox)+1))
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) readPump(c *connection) {
	ws := c.ws
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			t.lost(c, err)
			return
		}

		if typ != websocket.TextMessage {
			t.log.Warn("ignoring non-text frame", zap.Int("type", typ), zap.Int("bytes", len(data)))
			continue
		}

		m, err := DecodeMessage(data)
		if err != nil {
			t.log.Warn("discarding malformed message", zap.Error(err), zap.ByteString("raw", truncate(data, 256)))
			continue
		}
		switch {
		case m.Result != nil:
			t.log.Debug("result received", zap.String("label", m.Result.Label), zap.Float64("confidence", m.Result.Confidence))
			c.events.push(event{kind: eventMessage, result: *m.Result})
		case m.AnalyzerError != nil:
			t.log.Warn("analyzer rejected chunk", zap.String("reason", m.AnalyzerError.Reason()))
			c.events.push(event{kind: eventAnalyzerError, analyzer: *m.AnalyzerError})
		}
	}
}

// lost handles the end of the read loop. Explicit closes were already handled by Close.
func (t *Transport) lost(c *connection, err error) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		t.state = types.Disconnected
	} else {
		t.state = types.ClosedWithError
	}
	t.mu.Unlock()
	c.shutdown()

	if normal {
		t.log.Info("connection closed by server")
		c.events.push(event{kind: eventClose, terminal: true})
		return
	}
	err = errors.Wrapf(ErrConnectionFailure, "connection dropped: %v", err)
	t.log.Warn("connection dropped", zap.Error(err))
	c.events.push(event{kind: eventError, err: err}, event{kind: eventClose, terminal: true})
}

func (t *Transport) deliver(e event) {
	t.obsMu.Lock()
	subs := make([]subscription, len(t.observers))
	copy(subs, t.observers)
	t.obsMu.Unlock()

	for _, s := range subs {
		switch e.kind {
		case eventOpen:
			if s.o.OnOpen != nil {
				s.o.OnOpen()
			}
		case eventMessage:
			if s.o.OnMessage != nil {
				s.o.OnMessage(e.result)
			}
		case eventAnalyzerError:
			if s.o.OnAnalyzerError != nil {
				s.o.OnAnalyzerError(e.analyzer)
			}
		case eventError:
			if s.o.OnError != nil {
				s.o.OnError(e.err)
			}
		case eventClose:
			if s.o.OnClose != nil {
				s.o.OnClose()
			}
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
