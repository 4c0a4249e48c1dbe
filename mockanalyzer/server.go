// Package mockanalyzer is a stand-in for the emotion analysis backend. It
// speaks the realtime websocket protocol and answers every audio chunk with a
// prediction computed from simple signal features.
package mockanalyzer

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures the mock analyzer.
type Options struct {
	MaxConnections int
	Labels         []string
	Jitter         float64
	Seed           int64
	Logger         *zap.Logger
}

// Server is the mock analyzer HTTP/websocket app.
type Server struct {
	app *fiber.App
	o   Options
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	rnd     *rand.Rand

	received atomic.Uint64
}

// New builds the app and its routes.
func New(o Options) *Server {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 100
	}
	if len(o.Labels) == 0 {
		o.Labels = DefaultLabels
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	s := &Server{
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		o:       o,
		log:     o.Logger.Named("mockanalyzer"),
		clients: make(map[string]*websocket.Conn),
		rnd:     rand.New(rand.NewSource(o.Seed)),
	}

	s.app.Get("/health", s.health)

	// Middleware to require WebSocket upgrade on /ws
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/realtime/:client_id", websocket.New(s.realtime))
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error { return s.app.Listener(ln) }

// Shutdown stops the server.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Received returns the number of audio chunks received since start.
func (s *Server) Received() uint64 { return s.received.Load() }

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": s.Clients(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

var (
	errTooManyClients = errors.New("too many connections")
	errDuplicateID    = errors.New("client id already connected")
)

func (s *Server) register(id string, c *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; ok {
		return errDuplicateID
	}
	if len(s.clients) >= s.o.MaxConnections {
		return errTooManyClients
	}
	s.clients[id] = c
	return nil
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.String("client_id", id), zap.Int("connections", n))
}

func (s *Server) realtime(c *websocket.Conn) {
	defer c.Close()
	id := c.Params("client_id")

	if err := s.register(id, c); err != nil {
		s.log.Warn("connection rejected", zap.String("client_id", id), zap.Error(err))
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer s.unregister(id)
	s.log.Info("client connected", zap.String("client_id", id), zap.Int("connections", s.Clients()))

	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("read error", zap.String("client_id", id), zap.Error(err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			if err = c.WriteJSON(errorFrame("Unsupported message type", "expected binary audio data")); err != nil {
				return
			}
			continue
		}

		s.received.Add(1)
		f, err := Extract(msg)
		if err != nil {
			s.log.Warn("could not process audio", zap.String("client_id", id), zap.Error(err))
			if err = c.WriteJSON(errorFrame("Unsupported audio format", err.Error())); err != nil {
				return
			}
			continue
		}

		s.mu.Lock()
		r := Predict(f, s.o.Labels, s.rnd, s.o.Jitter)
		s.mu.Unlock()

		s.log.Debug("prediction", zap.String("client_id", id), zap.String("label", r.Label), zap.Float64("confidence", r.Confidence))
		if err = c.WriteJSON(r); err != nil {
			s.log.Warn("write error", zap.String("client_id", id), zap.Error(err))
			return
		}
	}
}
