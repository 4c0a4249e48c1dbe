package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/mrsingh-rishi/emotion-stream/model"
	"github.com/mrsingh-rishi/emotion-stream/types"
	"go.uber.org/zap"
)

const DefaultResultBuffer = 16

// ResultWorker hands decoded results to a ResultSink on its own goroutine so
// a slow sink never stalls the socket reader. Results reach the sink in
// submission order.
type ResultWorker struct {
	ctx     context.Context
	cancel  context.CancelFunc
	Sink    types.ResultSink
	Results chan model.PredictionResult
	log     *zap.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func NewResultWorker(sink types.ResultSink, buffer int, logger *zap.Logger) (*ResultWorker, error) {
	// Params Validation
	if sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	if buffer <= 0 {
		buffer = DefaultResultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ResultWorker{
		ctx:     ctx,
		cancel:  cancel,
		Sink:    sink,
		Results: make(chan model.PredictionResult, buffer),
		log:     logger.Named("results"),
		done:    make(chan struct{}),
	}, nil
}

func (rw *ResultWorker) Start() {
	rw.mu.Lock()
	if rw.started || rw.stopped {
		rw.mu.Unlock()
		return
	}
	rw.started = true
	rw.mu.Unlock()

	go func() {
		defer close(rw.done)
		for {
			select {
			case <-rw.ctx.Done():
				rw.flush()
				return
			case result := <-rw.Results:
				rw.Sink.OnResult(result)
			}
		}
	}()
}

// flush delivers whatever was queued before Stop.
func (rw *ResultWorker) flush() {
	for {
		select {
		case result := <-rw.Results:
			rw.Sink.OnResult(result)
		default:
			return
		}
	}
}

// Submit queues a result without blocking. It returns false once the worker
// is stopped or when the queue is full.
func (rw *ResultWorker) Submit(result model.PredictionResult) bool {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	if rw.stopped {
		rw.log.Debug("worker stopped, result dropped", zap.String("label", result.Label))
		return false
	}
	select {
	case rw.Results <- result:
		return true
	default:
		rw.log.Warn("result queue full, result dropped", zap.String("label", result.Label), zap.Int("buffer", cap(rw.Results)))
		return false
	}
}

// Stop rejects further submissions, delivers the queued results and waits
// for the worker goroutine to exit.
func (rw *ResultWorker) Stop() {
	rw.once.Do(func() {
		rw.mu.Lock()
		rw.stopped = true
		started := rw.started
		rw.mu.Unlock()

		rw.cancel()
		if !started {
			rw.flush()
			close(rw.done)
		}
	})
	<-rw.done
}
