package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
)

// dispatcher delivers progress to a sink on its own goroutine. It buffers a
// single snapshot: a newer one replaces an undelivered older one, so a slow
// sink sees fewer updates but never stalls the scan.
type dispatcher struct {
	sink model.ProgressSink
	ch   chan model.Progress
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newDispatcher(sink model.ProgressSink) *dispatcher {
	d := &dispatcher{sink: sink, done: make(chan struct{})}
	if sink == nil {
		close(d.done)
		return d
	}
	d.ch = make(chan model.Progress, 1)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for p := range d.ch {
		d.deliver(p)
	}
}

func (d *dispatcher) deliver(p model.Progress) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("pipeline: progress sink panicked", zap.Any("panic", r))
		}
	}()
	d.sink(p)
}

// Send queues p, replacing any snapshot not yet delivered.
func (d *dispatcher) Send(p model.Progress) {
	if d.ch == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- p:
		return
	default:
	}
	select {
	case <-d.ch:
		d.dropped++
	default:
	}
	// Only the loop receives, so the slot is free now.
	d.ch <- p
}

// Close delivers the last queued snapshot and stops the goroutine.
func (d *dispatcher) Close() {
	if d.ch != nil {
		d.mu.Lock()
		if !d.closed {
			d.closed = true
			close(d.ch)
		}
		d.mu.Unlock()
	}
	<-d.done
}

// Dropped returns how many snapshots were replaced before delivery.
func (d *dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
