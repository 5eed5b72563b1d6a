package ads1299

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// HardwareSource owns an ADS1299 through a Hal for the life of a session:
// power-up sequencing, channel configuration, continuous data mode and the
// DRDY-paced sample loop.
type HardwareSource struct {
	cfg  *config.Config
	hal  Hal
	pool *pipeline.BufferPool

	sm stateMachine
	em emitter
}

func NewHardwareSource(cfg *config.Config, hal Hal, bus, errBus *pipeline.Bus, pool *pipeline.BufferPool) *HardwareSource {
	return &HardwareSource{
		cfg:  cfg,
		hal:  hal,
		pool: pool,
		em:   emitter{bus: bus, errBus: errBus},
	}
}

func (s *HardwareSource) State() State             { return s.sm.State() }
func (s *HardwareSource) BatchesPublished() uint64 { return s.em.publishedCount() }
func (s *HardwareSource) BatchesDropped() uint64   { return s.em.droppedCount() }

func (s *HardwareSource) Run(ctx context.Context) error {
	s.em.clock = newSessionClock()
	s.sm.set(StateConfiguring)
	if err := s.configure(); err != nil {
		s.sm.set(StateFailed)
		s.em.fail(err)
		return err
	}
	s.sm.set(StateRunning)
	log.Printf("ads1299: running, %d channels at %d Hz", len(s.cfg.Channels), s.cfg.SampleRate)

	err := s.loop(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		stop(&s.sm)
		_ = s.hal.SendCommand(CmdSdatac)
		_ = s.hal.SendCommand(CmdStop)
		return nil
	}
	s.sm.set(StateFailed)
	s.em.fail(err)
	return err
}

// configure runs the start-up procedure: reset, stop continuous mode,
// program CONFIG1..3 and every CHnSET, verify the device ID, then START and
// RDATAC.
func (s *HardwareSource) configure() error {
	if err := s.hal.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := s.hal.SendCommand(CmdSdatac); err != nil {
		return fmt.Errorf("sdatac: %w", err)
	}

	rateCode, ok := sampleRateCode(s.cfg.SampleRate)
	if !ok {
		return fmt.Errorf("no CONFIG1 code for %d Hz", s.cfg.SampleRate)
	}
	regs := []struct {
		addr  byte
		value byte
	}{
		{RegConfig1, config1Base | rateCode},
		{RegConfig2, config2Default},
		{RegConfig3, config3Default},
	}
	for _, r := range regs {
		if err := s.hal.WriteRegister(r.addr, r.value); err != nil {
			return fmt.Errorf("write reg 0x%02x: %w", r.addr, err)
		}
	}

	enabled := make(map[int]int, len(s.cfg.Channels)) // channel -> gain
	for i, ch := range s.cfg.Channels {
		enabled[ch] = s.cfg.ChannelGain(i)
	}
	for ch := 0; ch < NumChannels; ch++ {
		var value byte
		if gain, on := enabled[ch]; on {
			gc, ok := gainCode(gain)
			if !ok {
				return fmt.Errorf("no gain code for %dx", gain)
			}
			value = gc | ChMuxNormal
		} else {
			value = ChPowerDown | ChMuxShorted
		}
		if err := s.hal.WriteRegister(RegCh1Set+byte(ch), value); err != nil {
			return fmt.Errorf("write CH%dSET: %w", ch+1, err)
		}
	}

	id, err := s.hal.ReadRegister(RegID)
	if err != nil {
		return fmt.Errorf("read id: %w", err)
	}
	if id&idFamilyMask != idFamily {
		return fmt.Errorf("device id mismatch: got 0x%02x, want ADS1299 family", id)
	}

	if err := s.hal.SendCommand(CmdStart); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := s.hal.SendCommand(CmdRdatac); err != nil {
		return fmt.Errorf("rdatac: %w", err)
	}
	return nil
}

func (s *HardwareSource) loop(ctx context.Context) error {
	var (
		channels     = len(s.cfg.Channels)
		batchSize    = s.cfg.BatchSize
		frame        = make([]byte, StatusBytes+3*channels)
		samplePeriod = time.Second / time.Duration(s.cfg.SampleRate)
		batchPeriod  = samplePeriod * time.Duration(batchSize)
		drdyTimeout  = 10 * batchPeriod
		seq          uint64
		filled       int
		batch        *pipeline.SampleBatch
	)

	for {
		if cancelled(ctx) {
			if batch != nil {
				batch.Release()
			}
			return ctx.Err()
		}
		if batch == nil {
			var err error
			batch, err = s.pool.Acquire()
			if err != nil {
				// Pool exhausted: same treatment as bus backpressure. The
				// DRDY wait below still paces us, data for this cycle is
				// lost.
				s.em.noteDrop(1)
				if err := s.hal.AwaitDRDY(ctx, drdyTimeout); err != nil {
					return err
				}
				if err := s.hal.ReadData(frame); err != nil {
					return err
				}
				continue
			}
			filled = 0
		}

		if err := s.hal.AwaitDRDY(ctx, drdyTimeout); err != nil {
			batch.Release()
			return err
		}
		if err := s.hal.ReadData(frame); err != nil {
			batch.Release()
			return err
		}

		for i := 0; i < channels; i++ {
			off := StatusBytes + 3*i
			raw := DecodeSample(frame[off], frame[off+1], frame[off+2])
			batch.Raw[i*batchSize+filled] = raw
			batch.Volts[i*batchSize+filled] = RawToVolts(raw, s.cfg.VRef, s.cfg.ChannelGain(i))
		}
		filled++

		if filled == batchSize {
			batch.Seq = seq
			batch.TimestampNs = s.em.clock.nowNs() - uint64((batchSize-1))*uint64(samplePeriod.Nanoseconds())
			seq++
			s.em.publish(batch)
			batch = nil
		}
	}
}
