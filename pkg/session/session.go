// Package session assembles one acquisition run: buffer pool, frame buses,
// the ADC source, the DSP stage graph and the packet encoder. A session is
// immutable once started; reconfiguration means stopping it and starting a
// fresh one.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eegdaq/pkg/ads1299"
	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/dsp"
	"github.com/eegdaq/pkg/pipeline"
	"github.com/eegdaq/pkg/telemetry"
	"github.com/eegdaq/pkg/wire"
)

// poolSize bounds batches in flight across the source, the filter and every
// subscriber queue.
const poolSize = 256

// Sink receives every encoded wire packet, in order. It must not block.
type Sink func(packet []byte)

type Session struct {
	cfg  *config.Config
	pool *pipeline.BufferPool

	rawBus      *pipeline.Bus
	filteredBus *pipeline.Bus
	fftBus      *pipeline.Bus
	errBus      *pipeline.Bus

	source   ads1299.Source
	hal      ads1299.Hal
	host     *dsp.Host
	recorder *dsp.Recorder
	tele     *telemetry.Emitter

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	runErr error
}

// New builds the session plumbing and opens the acquisition backend. The
// config must already be validated.
func New(cfg *config.Config) (*Session, error) {
	s := &Session{
		cfg:         cfg,
		pool:        pipeline.NewBufferPool(poolSize, len(cfg.Channels), cfg.BatchSize),
		rawBus:      pipeline.NewBus(),
		filteredBus: pipeline.NewBus(),
		fftBus:      pipeline.NewBus(),
		errBus:      pipeline.NewBus(),
		tele:        telemetry.NewEmitter(cfg),
	}
	s.host = dsp.NewHost(s.errBus)

	switch cfg.Source.Kind {
	case "hardware":
		hal, err := ads1299.Open(cfg.Source.SPIDevice, cfg.Source.SPISpeedHz, cfg.Source.DrdyGPIO)
		if err != nil {
			return nil, fmt.Errorf("open adc: %w", err)
		}
		s.hal = hal
		s.source = ads1299.NewHardwareSource(cfg, hal, s.rawBus, s.errBus, s.pool)
	case "mock":
		s.source = ads1299.NewMockSource(cfg, s.rawBus, s.errBus, s.pool)
	default:
		return nil, fmt.Errorf("source kind %q unknown", cfg.Source.Kind)
	}
	return s, nil
}

// Start attaches the DSP stages and launches the source. Packets are encoded
// and handed to sink; pass nil to run headless (recording only). Subscribers
// are wired before the first sample so no frame is missed.
func (s *Session) Start(ctx context.Context, sink Sink) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if err := s.host.Attach(dsp.NewFilter(s.pool), s.cfg, s.rawBus, pipeline.DefaultQueueCap, s.filteredBus); err != nil {
		return err
	}
	if err := s.host.Attach(dsp.NewFFT(), s.cfg, s.filteredBus, pipeline.DefaultQueueCap, s.fftBus); err != nil {
		return err
	}
	if s.cfg.Recorder.Enabled {
		s.recorder = dsp.NewRecorder()
		if err := s.host.Attach(s.recorder, s.cfg, s.rawBus, pipeline.DefaultQueueCap, nil); err != nil {
			return err
		}
		log.Printf("session: recording to %s", s.recorder.Path())
	}

	if sink != nil {
		batches, err := s.filteredBus.Subscribe("publisher", s.cfg.Server.SendQueue, pipeline.DropOld)
		if err != nil {
			return err
		}
		spectra, err := s.fftBus.Subscribe("publisher", s.cfg.Server.SendQueue, pipeline.DropOld)
		if err != nil {
			return err
		}
		errs, err := s.errBus.Subscribe("publisher", 8, pipeline.DropNew)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.encodeLoop(batches, spectra, errs, sink)
	}

	if err := s.tele.Connect(); err != nil {
		// Telemetry is best-effort; the session runs without it.
		log.Printf("session: %v", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tele.Run(ctx, s.Health)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.source.Run(ctx)
		if err != nil {
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
			log.Printf("session: source: %v", err)
		}
		// No more samples can be published; let the stage graph drain.
		s.rawBus.Close()
		close(s.done)
	}()
	return nil
}

// Done closes when the source has stopped, whether by cancellation or a
// terminal fault. Check Err to distinguish.
func (s *Session) Done() <-chan struct{} { return s.done }

// encodeLoop turns frames into wire packets. Spectra arriving between
// batches ride along on the next batch packet, matching how readers
// correlate them by sequence.
func (s *Session) encodeLoop(batches, spectra, errs <-chan pipeline.Frame, sink Sink) {
	defer s.wg.Done()

	var pending []wire.Spectrum
	for batches != nil || spectra != nil || errs != nil {
		select {
		case f, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			b := f.(*pipeline.SampleBatch)
			sink(wire.AppendBatch(nil, b, pending))
			pending = nil
			f.Release()
		case f, ok := <-spectra:
			if !ok {
				spectra = nil
				continue
			}
			ff := f.(*pipeline.FftFrame)
			pending = append(pending, wire.Spectrum{Power: ff.Power, Freqs: ff.Freqs})
			f.Release()
		case f, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			ef := f.(*pipeline.ErrorFrame)
			ts := ef.TimestampNs
			if ts == 0 {
				ts = uint64(time.Now().UnixNano())
			}
			sink(wire.AppendError(nil, ts, ef.Message))
			f.Release()
		}
	}
}

// Stop cancels the source, drains every stage in dependency order and joins
// all session goroutines.
func (s *Session) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	// rawBus closes when the source returns; each stage closes its output
	// bus on exit, so the graph drains front to back.
	s.host.Wait()
	s.errBus.Close()
	s.wg.Wait()

	s.tele.Disconnect()
	if s.hal != nil {
		if err := s.hal.Close(); err != nil {
			log.Printf("session: close adc: %v", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Err reports a terminal source fault, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Session) Config() *config.Config { return s.cfg }

func (s *Session) State() ads1299.State { return s.source.State() }

func (s *Session) BatchesPublished() uint64 { return s.source.BatchesPublished() }

func (s *Session) BatchesDropped() uint64 { return s.source.BatchesDropped() }

func (s *Session) PluginStats() []dsp.PluginStats { return s.host.Stats() }

// Recorder returns the active recording sink, nil when recording is off.
func (s *Session) Recorder() *dsp.Recorder { return s.recorder }

// Health snapshots the counters published over telemetry.
func (s *Session) Health() telemetry.Health {
	h := telemetry.Health{
		State:            s.source.State().String(),
		BatchesPublished: s.source.BatchesPublished(),
		BatchesDropped:   s.source.BatchesDropped(),
		Subscribers:      s.filteredBus.Subscribers(),
	}
	for _, st := range s.host.Stats() {
		h.Plugins = append(h.Plugins, telemetry.PluginHealth{
			Name:             st.Name,
			SamplesProcessed: st.SamplesProcessed,
			FramesDropped:    st.FramesDropped,
			Detached:         st.Detached,
		})
	}
	return h
}
