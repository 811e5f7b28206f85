package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/designscan/internal/model"
)

func TestDispatcher_SlowSinkSeesLatest(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	gate := make(chan struct{})
	var (
		mu  sync.Mutex
		got []float64
	)
	d := newDispatcher(func(p model.Progress) {
		if p.OverallProgressPercent == 1 {
			close(started)
			<-gate
		}
		mu.Lock()
		got = append(got, p.OverallProgressPercent)
		mu.Unlock()
	})

	d.Send(model.Progress{OverallProgressPercent: 1})
	<-started
	for i := 2; i <= 50; i++ {
		d.Send(model.Progress{OverallProgressPercent: float64(i)})
	}
	close(gate)
	d.Close()

	assert.Equal(t, []float64{1, 50}, got)
	assert.Equal(t, 48, d.Dropped())
}

func TestDispatcher_SinkPanicIsContained(t *testing.T) {
	t.Parallel()
	calls := 0
	d := newDispatcher(func(model.Progress) {
		calls++
		panic("sink exploded")
	})
	assert.NotPanics(t, func() {
		d.Send(model.Progress{OverallProgressPercent: 10})
		d.Close()
	})
	assert.Equal(t, 1, calls)
}

func TestDispatcher_NilSink(t *testing.T) {
	t.Parallel()
	d := newDispatcher(nil)
	d.Send(model.Progress{OverallProgressPercent: 10})
	d.Close()
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_SendAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()
	var got []float64
	d := newDispatcher(func(p model.Progress) { got = append(got, p.OverallProgressPercent) })
	d.Send(model.Progress{OverallProgressPercent: 100})
	d.Close()
	d.Send(model.Progress{OverallProgressPercent: 5})
	d.Close()
	assert.Equal(t, []float64{100}, got)
}
