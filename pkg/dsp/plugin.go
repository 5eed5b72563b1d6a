// Package dsp wires the per-session stage graph: plugins consume frames
// from a bus subscription on their own goroutine and emit results through a
// narrow callback. The host guarantees a plugin instance is never invoked
// concurrently.
package dsp

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// Plugin is one DSP stage. Init is called once before the first Process;
// Teardown exactly once after the last. Process receives one input frame
// and may emit any number of output frames through emit; emit takes
// ownership of the emitted frame's reference.
type Plugin interface {
	Name() string
	Init(cfg *config.Config) error
	Process(f pipeline.Frame, emit func(pipeline.Frame)) error
	Teardown() error
}

// maxConsecutiveFailures detaches a plugin that keeps rejecting frames.
const maxConsecutiveFailures = 10

// PluginStats is a snapshot of one stage's counters. SamplesProcessed
// counts input samples per channel; frames a plugin drops still count.
type PluginStats struct {
	Name             string
	SamplesProcessed uint64
	FramesDropped    uint64
	Detached         bool
}

type stage struct {
	plugin Plugin
	in     <-chan pipeline.Frame
	inBus  *pipeline.Bus
	out    *pipeline.Bus

	samplesProcessed uint64
	framesDropped    uint64
	detached         int32
}

// Host owns the running stages for one session.
type Host struct {
	errBus *pipeline.Bus

	mu     sync.Mutex
	stages []*stage
	wg     sync.WaitGroup
}

func NewHost(errBus *pipeline.Bus) *Host {
	return &Host{errBus: errBus}
}

// Attach initializes the plugin, subscribes it to inBus and starts its
// goroutine. out may be nil for sinks. The stage stops when inBus closes
// its subscription.
func (h *Host) Attach(p Plugin, cfg *config.Config, inBus *pipeline.Bus, queueCap int, out *pipeline.Bus) error {
	if err := p.Init(cfg); err != nil {
		return err
	}
	in, err := inBus.Subscribe(p.Name(), queueCap, pipeline.DropNew)
	if err != nil {
		_ = p.Teardown()
		return err
	}
	st := &stage{plugin: p, in: in, inBus: inBus, out: out}

	h.mu.Lock()
	h.stages = append(h.stages, st)
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(st)
	return nil
}

func (h *Host) run(st *stage) {
	defer h.wg.Done()
	defer func() {
		if err := st.plugin.Teardown(); err != nil {
			log.Printf("dsp: %s teardown: %v", st.plugin.Name(), err)
		}
	}()

	emit := func(f pipeline.Frame) {
		if st.out != nil {
			st.out.Publish(f)
		}
		f.Release()
	}

	consecutive := 0
	for f := range st.in {
		var seq uint64
		if b, ok := f.(*pipeline.SampleBatch); ok {
			seq = b.Seq
			atomic.AddUint64(&st.samplesProcessed, uint64(b.SamplesPerChannel))
		}

		err := st.plugin.Process(f, emit)
		f.Release()
		if err == nil {
			consecutive = 0
			continue
		}
		if errors.Is(err, pipeline.ErrOutOfBuffers) {
			// Backpressure, not a plugin fault. The frame is lost.
			atomic.AddUint64(&st.framesDropped, 1)
			continue
		}
		consecutive++
		log.Printf("dsp: %s failed on seq %d: %v", st.plugin.Name(), seq, err)
		if consecutive >= maxConsecutiveFailures {
			atomic.StoreInt32(&st.detached, 1)
			_ = st.inBus.Unsubscribe(st.plugin.Name())
			h.errBus.Publish(&pipeline.ErrorFrame{
				Message: "plugin " + st.plugin.Name() + " detached after repeated failures: " + err.Error(),
			})
			break
		}
	}

	// Unsubscribe closed the channel; release anything still queued.
	for f := range st.in {
		f.Release()
	}

	// Each bus has exactly one publisher, so this stage exiting means no
	// more frames can appear downstream of it.
	if st.out != nil {
		st.out.Close()
	}
}

// Stats snapshots every attached stage.
func (h *Host) Stats() []PluginStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PluginStats, 0, len(h.stages))
	for _, st := range h.stages {
		out = append(out, PluginStats{
			Name:             st.plugin.Name(),
			SamplesProcessed: atomic.LoadUint64(&st.samplesProcessed),
			FramesDropped:    atomic.LoadUint64(&st.framesDropped),
			Detached:         atomic.LoadInt32(&st.detached) == 1,
		})
	}
	return out
}

// Wait blocks until every stage goroutine has exited. Stages exit when
// their input buses are closed.
func (h *Host) Wait() {
	h.wg.Wait()
}
