package capture

import (
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeFeed struct {
	reads   atomic.Int64
	next    atomic.Uint32
	closed  atomic.Bool
	perRead int
	delay   time.Duration
}

func newFakeFeed(perRead int, delay time.Duration) *fakeFeed {
	return &fakeFeed{perRead: perRead, delay: delay}
}

func (f *fakeFeed) Read() ([]int16, error) {
	f.reads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.closed.Load() {
		return nil, ErrStreamClosed
	}
	out := make([]int16, f.perRead)
	for i := range out {
		out[i] = int16(uint16(f.next.Add(1) - 1))
	}
	return out, nil
}

// waitAppended blocks until the read after the one observed at prev started,
// which means the samples of read prev+1 were buffered.
func (f *fakeFeed) waitAppended(t *testing.T, prev int64) int64 {
	require.Eventually(t, func() bool { return f.reads.Load() >= prev+2 }, time.Second, time.Millisecond)
	return f.reads.Load()
}

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeTickers struct {
	mu sync.Mutex
	m  map[time.Duration]*fakeTicker
}

func (ts *fakeTickers) New(d time.Duration) Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.m == nil {
		ts.m = make(map[time.Duration]*fakeTicker)
	}
	t := &fakeTicker{c: make(chan time.Time, 16)}
	ts.m[d] = t
	return t
}

func (ts *fakeTickers) get(t *testing.T, d time.Duration) *fakeTicker {
	var tk *fakeTicker
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		tk = ts.m[d]
		return tk != nil
	}, time.Second, time.Millisecond)
	return tk
}

type chunkLog struct {
	mu     sync.Mutex
	chunks []model.AudioChunk
}

func (l *chunkLog) consume(c model.AudioChunk) {
	l.mu.Lock()
	l.chunks = append(l.chunks, c)
	l.mu.Unlock()
}

func (l *chunkLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

func (l *chunkLog) all() []model.AudioChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AudioChunk(nil), l.chunks...)
}

// expectReusableDevice lets a device be opened any number of times. Each
// CloseStream closes the feed handed out by the previous OpenStream.
func expectReusableDevice(dev *MockDevice, perRead int, delay time.Duration) {
	var mu sync.Mutex
	var current *fakeFeed
	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil).AnyTimes()
	dev.EXPECT().OpenStream(gomock.Any()).DoAndReturn(func(context.Context) (SampleFeed, error) {
		mu.Lock()
		defer mu.Unlock()
		current = newFakeFeed(perRead, delay)
		return current, nil
	}).AnyTimes()
	dev.EXPECT().CloseStream().DoAndReturn(func() error {
		mu.Lock()
		defer mu.Unlock()
		if current != nil {
			current.closed.Store(true)
		}
		return nil
	}).AnyTimes()
}

func TestStartPermissionDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().RequestAccess(gomock.Any()).Return(errors.Wrap(ErrPermissionDenied, "user refused"))
	dev.EXPECT().CloseStream().Return(nil)

	s := NewSession(dev, Options{})
	var log chunkLog
	err := s.Start(context.Background(), log.consume)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, Idle, s.State())
	assert.Zero(t, log.len())
	assert.NoError(t, s.Stop())
}

func TestStartOpenFailureReturnsToIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil)
	dev.EXPECT().OpenStream(gomock.Any()).Return(nil, errors.New("busy"))
	dev.EXPECT().CloseStream().Return(nil)

	s := NewSession(dev, Options{})
	err := s.Start(context.Background(), func(model.AudioChunk) {})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, Idle, s.State())
}

func TestThreeChunksThenStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	feed := newFakeFeed(16, time.Millisecond)
	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil)
	dev.EXPECT().OpenStream(gomock.Any()).Return(feed, nil)
	dev.EXPECT().CloseStream().DoAndReturn(func() error {
		feed.closed.Store(true)
		return nil
	}).Times(1)

	var tickers fakeTickers
	s := NewSession(dev, Options{ChunkInterval: time.Second, FrameInterval: 16 * time.Millisecond, NewTicker: tickers.New})
	var log chunkLog
	require.NoError(t, s.Start(context.Background(), log.consume))
	assert.Equal(t, Active, s.State())

	chunkTicker := tickers.get(t, time.Second)
	reads := feed.reads.Load()
	for i := 1; i <= 3; i++ {
		reads = feed.waitAppended(t, reads)
		chunkTicker.c <- time.Now()
		require.Eventually(t, func() bool { return log.len() == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, s.Stop())
	assert.Equal(t, Idle, s.State())
	assert.True(t, chunkTicker.stopped.Load())

	// An emission scheduled after stop must not reach the consumer.
	chunkTicker.c <- time.Now()
	time.Sleep(20 * time.Millisecond)

	chunks := log.all()
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Seq)
		assert.NotEmpty(t, c.Data)
		assert.Zero(t, len(c.Data)%2)
	}

	// Double stop releases nothing twice.
	assert.NoError(t, s.Stop())
}

func TestNoChunkAfterStopReturns(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	expectReusableDevice(dev, 8, 100*time.Microsecond)

	s := NewSession(dev, Options{ChunkInterval: time.Millisecond})
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 30; i++ {
		var stopped, violated atomic.Bool
		require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {
			if stopped.Load() {
				violated.Store(true)
			}
		}))
		time.Sleep(time.Duration(rnd.Intn(3000)) * time.Microsecond)
		require.NoError(t, s.Stop())
		stopped.Store(true)
		time.Sleep(3 * time.Millisecond)
		require.False(t, violated.Load(), "chunk delivered after Stop returned (iteration %d)", i)
	}
}

func TestChunksPreserveCaptureOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	expectReusableDevice(dev, 8, 50*time.Microsecond)

	rnd := rand.New(rand.NewSource(7))
	for run := 0; run < 5; run++ {
		s := NewSession(dev, Options{ChunkInterval: time.Duration(1+rnd.Intn(3)) * time.Millisecond})
		var log chunkLog
		require.NoError(t, s.Start(context.Background(), log.consume))
		time.Sleep(time.Duration(10+rnd.Intn(20)) * time.Millisecond)
		require.NoError(t, s.Stop())

		var prevSeq uint64
		var prevSample uint16
		first := true
		for _, c := range log.all() {
			require.Equal(t, prevSeq+1, c.Seq)
			prevSeq = c.Seq
			for i := 0; i+1 < len(c.Data); i += 2 {
				v := binary.LittleEndian.Uint16(c.Data[i:])
				if !first {
					require.Equal(t, prevSample+1, v, "gap or reordering in captured audio")
				}
				prevSample, first = v, false
			}
		}
	}
}

func TestDeviceLostStopsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	feed := NewMockSampleFeed(ctrl)
	unplugged := errors.New("device unplugged")

	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil)
	dev.EXPECT().OpenStream(gomock.Any()).Return(feed, nil)
	gomock.InOrder(
		feed.EXPECT().Read().Return([]int16{1, 2, 3}, nil),
		feed.EXPECT().Read().Return(nil, unplugged),
	)
	dev.EXPECT().CloseStream().Return(nil).Times(1)

	lost := make(chan error, 1)
	s := NewSession(dev, Options{OnDeviceLost: func(err error) { lost <- err }})
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))

	select {
	case err := <-lost:
		assert.True(t, errors.Is(err, ErrDeviceLost))
	case <-time.After(time.Second):
		t.Fatal("device loss not reported")
	}
	assert.Equal(t, Idle, s.State())
	assert.NoError(t, s.Stop())
}

func TestStartWhileActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	expectReusableDevice(dev, 8, time.Millisecond)

	s := NewSession(dev, Options{})
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))
	assert.Equal(t, ErrAlreadyActive, s.Start(context.Background(), func(model.AudioChunk) {}))
	require.NoError(t, s.Stop())

	// Restartable after stop.
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))
	require.NoError(t, s.Stop())
}

func TestStopWhilePermissionPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	release := make(chan struct{})
	dev.EXPECT().RequestAccess(gomock.Any()).DoAndReturn(func(context.Context) error {
		<-release
		return nil
	})
	dev.EXPECT().OpenStream(gomock.Any()).Return(newFakeFeed(8, time.Millisecond), nil)
	dev.EXPECT().CloseStream().Return(nil).Times(1)

	s := NewSession(dev, Options{})
	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background(), func(model.AudioChunk) {}) }()

	require.Eventually(t, func() bool { return s.State() == RequestingPermission }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	close(release)

	assert.True(t, errors.Is(<-errc, context.Canceled))
	assert.Equal(t, Idle, s.State())
}

func TestStartWaitsForAbortedStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	release := make(chan struct{})
	dev.EXPECT().RequestAccess(gomock.Any()).DoAndReturn(func(context.Context) error {
		<-release
		return nil
	}).Times(1)
	expectReusableDevice(dev, 8, time.Millisecond)

	s := NewSession(dev, Options{})
	first := make(chan error, 1)
	go func() { first <- s.Start(context.Background(), func(model.AudioChunk) {}) }()
	require.Eventually(t, func() bool { return s.State() == RequestingPermission }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	second := make(chan error, 1)
	go func() { second <- s.Start(context.Background(), func(model.AudioChunk) {}) }()
	select {
	case err := <-second:
		t.Fatalf("restart returned before the aborted start released the device: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.True(t, errors.Is(<-first, context.Canceled))
	require.NoError(t, <-second)
	assert.Equal(t, Active, s.State())
	require.NoError(t, s.Stop())
	assert.Equal(t, Idle, s.State())
}

func TestStartWaitGivesUpWithContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	release := make(chan struct{})
	dev.EXPECT().RequestAccess(gomock.Any()).DoAndReturn(func(context.Context) error {
		<-release
		return nil
	})
	dev.EXPECT().OpenStream(gomock.Any()).Return(newFakeFeed(8, time.Millisecond), nil)
	dev.EXPECT().CloseStream().Return(nil)

	s := NewSession(dev, Options{})
	first := make(chan error, 1)
	go func() { first <- s.Start(context.Background(), func(model.AudioChunk) {}) }()
	require.Eventually(t, func() bool { return s.State() == RequestingPermission }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(s.Start(ctx, func(model.AudioChunk) {}), context.DeadlineExceeded))

	close(release)
	assert.True(t, errors.Is(<-first, context.Canceled))
	assert.Equal(t, Idle, s.State())
}

type lostFeed struct{ err error }

func (f lostFeed) Read() ([]int16, error) { return nil, f.err }

// hookLogger calls fn synchronously for every entry logged.
func hookLogger(fn func(zapcore.Entry)) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(io.Discard), zapcore.DebugLevel)
	return zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		fn(e)
		return nil
	}))
}

func TestStaleDeviceLossIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil).Times(2)
	dev.EXPECT().OpenStream(gomock.Any()).Return(lostFeed{err: errors.New("unplugged")}, nil)
	dev.EXPECT().OpenStream(gomock.Any()).Return(newFakeFeed(8, time.Millisecond), nil)
	dev.EXPECT().CloseStream().Return(nil).AnyTimes()

	entered := make(chan struct{})
	release := make(chan struct{})
	ignored := make(chan struct{})
	logger := hookLogger(func(e zapcore.Entry) {
		switch e.Message {
		case "device lost, stopping capture":
			close(entered)
			<-release
		case "stale device loss ignored":
			close(ignored)
		}
	})

	var lost atomic.Int32
	s := NewSession(dev, Options{Logger: logger, OnDeviceLost: func(error) { lost.Add(1) }})
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))

	// The loss of the first activation is held while the user restarts.
	<-entered
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))
	close(release)

	select {
	case <-ignored:
	case <-time.After(time.Second):
		t.Fatal("stale device loss was not ignored")
	}
	assert.Equal(t, Active, s.State())
	assert.Zero(t, lost.Load())
	require.NoError(t, s.Stop())
}

func TestCancelledContextAbortsStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	dev.EXPECT().RequestAccess(gomock.Any()).DoAndReturn(func(context.Context) error {
		cancel()
		return nil
	})
	dev.EXPECT().OpenStream(gomock.Any()).Return(newFakeFeed(8, time.Millisecond), nil)
	dev.EXPECT().CloseStream().Return(nil).Times(1)

	s := NewSession(dev, Options{})
	err := s.Start(ctx, func(model.AudioChunk) {})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Idle, s.State())
}

func TestAnalysisFeedsWindow(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockDevice(ctrl)
	feed := newFakeFeed(256, time.Millisecond)
	dev.EXPECT().RequestAccess(gomock.Any()).Return(nil)
	dev.EXPECT().OpenStream(gomock.Any()).Return(feed, nil)
	dev.EXPECT().CloseStream().DoAndReturn(func() error {
		feed.closed.Store(true)
		return nil
	})

	var tickers fakeTickers
	s := NewSession(dev, Options{WindowSize: 8, FrameInterval: 5 * time.Millisecond, NewTicker: tickers.New})
	require.NoError(t, s.Start(context.Background(), func(model.AudioChunk) {}))

	frame := tickers.get(t, 5*time.Millisecond)
	feed.waitAppended(t, 0)
	require.Eventually(t, func() bool {
		select {
		case frame.c <- time.Now():
		default:
		}
		for _, v := range s.Window() {
			if v != 0 {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, model.SampleWindow(make([]float64, 8)), s.Window())
}
