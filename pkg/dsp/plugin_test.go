package dsp

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// scriptedPlugin lets tests dictate what a stage does per call.
type scriptedPlugin struct {
	name        string
	initErr     error
	processErr  error
	emitSpectra bool

	processed int32
	teardowns int32
}

func (p *scriptedPlugin) Name() string              { return p.name }
func (p *scriptedPlugin) Init(*config.Config) error { return p.initErr }

func (p *scriptedPlugin) Teardown() error {
	atomic.AddInt32(&p.teardowns, 1)
	return nil
}

func (p *scriptedPlugin) Process(f pipeline.Frame, emit func(pipeline.Frame)) error {
	atomic.AddInt32(&p.processed, 1)
	if p.processErr != nil {
		return p.processErr
	}
	if p.emitSpectra {
		if b, ok := f.(*pipeline.SampleBatch); ok {
			emit(&pipeline.FftFrame{Seq: b.Seq, Channel: 0})
		}
	}
	return nil
}

func publishBatches(t *testing.T, bus *pipeline.Bus, pool *pipeline.BufferPool, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		b, err := pool.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		b.Seq = uint64(i)
		bus.Publish(b)
		b.Release()
	}
}

func statsFor(t *testing.T, h *Host, name string) PluginStats {
	t.Helper()
	for _, st := range h.Stats() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no stats for %q", name)
	return PluginStats{}
}

func TestHostCountsSamplesAndTearsDown(t *testing.T) {
	cfg := config.Default()
	pool := pipeline.NewBufferPool(64, 1, 25)
	inBus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	h := NewHost(errBus)

	p := &scriptedPlugin{name: "count"}
	if err := h.Attach(p, cfg, inBus, 32, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	publishBatches(t, inBus, pool, 5)
	inBus.Close()
	h.Wait()

	if got := atomic.LoadInt32(&p.processed); got != 5 {
		t.Fatalf("processed %d frames, want 5", got)
	}
	if got := atomic.LoadInt32(&p.teardowns); got != 1 {
		t.Fatalf("teardown ran %d times, want 1", got)
	}
	st := statsFor(t, h, "count")
	if st.SamplesProcessed != 5*25 {
		t.Fatalf("samples processed %d, want %d", st.SamplesProcessed, 5*25)
	}
	if st.Detached {
		t.Fatal("healthy plugin marked detached")
	}
}

func TestHostForwardsEmittedFrames(t *testing.T) {
	cfg := config.Default()
	pool := pipeline.NewBufferPool(64, 1, 25)
	inBus := pipeline.NewBus()
	outBus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	h := NewHost(errBus)

	got, err := outBus.Subscribe("tap", 32, pipeline.DropNew)
	if err != nil {
		t.Fatal(err)
	}
	p := &scriptedPlugin{name: "spectra", emitSpectra: true}
	if err := h.Attach(p, cfg, inBus, 32, outBus); err != nil {
		t.Fatalf("attach: %v", err)
	}
	publishBatches(t, inBus, pool, 3)
	inBus.Close()
	h.Wait() // the stage closes outBus on exit

	var seqs []uint64
	for f := range got {
		seqs = append(seqs, f.(*pipeline.FftFrame).Seq)
		f.Release()
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[2] != 2 {
		t.Fatalf("forwarded seqs %v, want [0 1 2]", seqs)
	}
}

func TestHostDetachesAfterRepeatedFailures(t *testing.T) {
	cfg := config.Default()
	pool := pipeline.NewBufferPool(64, 1, 25)
	inBus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	errCh, err := errBus.Subscribe("tap", 8, pipeline.DropNew)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHost(errBus)

	p := &scriptedPlugin{name: "broken", processErr: errors.New("bad state")}
	if err := h.Attach(p, cfg, inBus, 32, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	publishBatches(t, inBus, pool, 12)
	h.Wait() // stage exits on its own after the tenth failure

	if got := atomic.LoadInt32(&p.processed); got != 10 {
		t.Fatalf("processed %d frames before detach, want 10", got)
	}
	st := statsFor(t, h, "broken")
	if !st.Detached {
		t.Fatal("plugin not marked detached")
	}

	select {
	case f := <-errCh:
		ef, ok := f.(*pipeline.ErrorFrame)
		if !ok {
			t.Fatalf("error bus frame %T, want *ErrorFrame", f)
		}
		if !strings.Contains(ef.Message, "broken") || !strings.Contains(ef.Message, "detached") {
			t.Fatalf("error message %q", ef.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no error frame published on detach")
	}
	inBus.Close()
}

func TestHostTreatsBufferExhaustionAsDrop(t *testing.T) {
	cfg := config.Default()
	pool := pipeline.NewBufferPool(64, 1, 25)
	inBus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	h := NewHost(errBus)

	p := &scriptedPlugin{name: "starved", processErr: pipeline.ErrOutOfBuffers}
	if err := h.Attach(p, cfg, inBus, 32, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	publishBatches(t, inBus, pool, 12)
	inBus.Close()
	h.Wait()

	st := statsFor(t, h, "starved")
	if st.FramesDropped != 12 {
		t.Fatalf("dropped %d frames, want 12", st.FramesDropped)
	}
	if st.Detached {
		t.Fatal("buffer exhaustion must not detach the plugin")
	}
}

func TestHostAttachFailsOnInitError(t *testing.T) {
	cfg := config.Default()
	inBus := pipeline.NewBus()
	h := NewHost(pipeline.NewBus())

	p := &scriptedPlugin{name: "noinit", initErr: errors.New("no such device")}
	if err := h.Attach(p, cfg, inBus, 32, nil); err == nil {
		t.Fatal("attach succeeded despite init error")
	}
	if n := inBus.Subscribers(); n != 0 {
		t.Fatalf("%d subscribers left after failed attach", n)
	}
}
