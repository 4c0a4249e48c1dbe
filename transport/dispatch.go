package transport

import (
	"sync"

	"github.com/mrsingh-rishi/emotion-stream/model"
)

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventAnalyzerError
	eventError
	eventClose
)

type event struct {
	kind     eventKind
	result   model.PredictionResult
	analyzer model.AnalyzerError
	err      error
	terminal bool
}

// dispatcher delivers the events of one connection attempt, in order, on its
// own goroutine. Observers may call back into the Transport. It exits after
// the terminal event and ignores anything pushed afterwards.
type dispatcher struct {
	mu      sync.Mutex
	events  []event
	closed  bool
	wake    chan struct{}
	deliver func(event)
}

func newDispatcher(deliver func(event)) *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), deliver: deliver}
	go d.run()
	return d
}

func (d *dispatcher) push(evs ...event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	for _, e := range evs {
		d.events = append(d.events, e)
		if e.terminal {
			d.closed = true
			break
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for range d.wake {
		d.mu.Lock()
		evs := d.events
		d.events = nil
		d.mu.Unlock()

		for _, e := range evs {
			d.deliver(e)
			if e.terminal {
				return
			}
		}
	}
}
