package ads1299

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eegdaq/pkg/pipeline"
)

// State is the acquisition source lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateConfiguring
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Source is the acquisition contract shared by the hardware and mock
// variants. Run owns the device for the whole session and returns when the
// context is cancelled (nil) or on a terminal fault (the fault). Failed is
// terminal; reconfiguration means a new Source in a new session.
type Source interface {
	Run(ctx context.Context) error
	State() State
	// BatchesPublished and BatchesDropped report progress counters; safe
	// from any goroutine.
	BatchesPublished() uint64
	BatchesDropped() uint64
}

type stateMachine struct {
	v int32
}

func (m *stateMachine) State() State { return State(atomic.LoadInt32(&m.v)) }
func (m *stateMachine) set(s State)  { atomic.StoreInt32(&m.v, int32(s)) }

// sessionClock yields monotonic non-decreasing host timestamps anchored to
// the wall clock at session start.
type sessionClock struct {
	wallNs int64
	epoch  time.Time
}

func newSessionClock() sessionClock {
	return sessionClock{wallNs: time.Now().UnixNano(), epoch: time.Now()}
}

func (c sessionClock) nowNs() uint64 {
	return uint64(c.wallNs + time.Since(c.epoch).Nanoseconds())
}

// backpressureReportInterval rate-limits the drop diagnostics.
const backpressureReportInterval = time.Second

// emitter publishes completed batches and accounts for drops, surfacing at
// most one backpressure ErrorFrame per second. Used only from the source
// goroutine except for the atomic counters.
type emitter struct {
	bus    *pipeline.Bus
	errBus *pipeline.Bus
	clock  sessionClock

	published  uint64
	dropped    uint64
	unreported uint64
	lastReport time.Time
}

func (e *emitter) publish(b *pipeline.SampleBatch) {
	_, dropped := e.bus.Publish(b)
	b.Release()
	atomic.AddUint64(&e.published, 1)
	if dropped > 0 {
		e.noteDrop(uint64(dropped))
	}
}

// noteDrop counts lost batches, whether refused by the bus or lost to pool
// exhaustion.
func (e *emitter) noteDrop(n uint64) {
	atomic.AddUint64(&e.dropped, n)
	e.unreported += n
	if time.Since(e.lastReport) < backpressureReportInterval {
		return
	}
	e.errBus.Publish(&pipeline.ErrorFrame{
		TimestampNs: e.clock.nowNs(),
		Message:     fmt.Sprintf("backpressure: dropped %d batches", e.unreported),
	})
	e.unreported = 0
	e.lastReport = time.Now()
}

func (e *emitter) publishedCount() uint64 { return atomic.LoadUint64(&e.published) }
func (e *emitter) droppedCount() uint64   { return atomic.LoadUint64(&e.dropped) }

func (e *emitter) fail(err error) {
	e.errBus.Publish(&pipeline.ErrorFrame{
		TimestampNs: e.clock.nowNs(),
		Message:     err.Error(),
	})
}

// stop drains the state machine through Stopping to Stopped unless the
// source already failed.
func stop(m *stateMachine) {
	if m.State() == StateFailed {
		return
	}
	m.set(StateStopping)
	m.set(StateStopped)
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
