package ads1299

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// Per-channel phase offset so the channels are visibly distinct.
const channelPhaseStep = math.Pi / 8

// MockSource emits the configured sum of sinusoids plus Gaussian noise
// under the same contract as the hardware source. It advances a virtual
// clock by the nominal sample period and sleeps until the wall clock
// catches up, so it never runs ahead and never blocks longer than one
// batch period.
type MockSource struct {
	cfg  *config.Config
	pool *pipeline.BufferPool
	rng  *rand.Rand

	sm stateMachine
	em emitter
}

func NewMockSource(cfg *config.Config, bus, errBus *pipeline.Bus, pool *pipeline.BufferPool) *MockSource {
	return &MockSource{
		cfg:  cfg,
		pool: pool,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		em:   emitter{bus: bus, errBus: errBus},
	}
}

func (s *MockSource) State() State             { return s.sm.State() }
func (s *MockSource) BatchesPublished() uint64 { return s.em.publishedCount() }
func (s *MockSource) BatchesDropped() uint64   { return s.em.droppedCount() }

func (s *MockSource) Run(ctx context.Context) error {
	s.em.clock = newSessionClock()
	s.sm.set(StateConfiguring)
	s.sm.set(StateRunning)
	log.Printf("[MOCK] running, %d channels at %d Hz, %d tones",
		len(s.cfg.Channels), s.cfg.SampleRate, len(s.cfg.Source.Mock.Tones))

	var (
		batchSize      = s.cfg.BatchSize
		sampleRate     = float64(s.cfg.SampleRate)
		samplePeriodNs = uint64(time.Second.Nanoseconds()) / uint64(s.cfg.SampleRate)
		batchPeriod    = time.Duration(batchSize) * time.Duration(samplePeriodNs)
		baseNs         = s.em.clock.nowNs()
		sampleIdx      uint64
		seq            uint64
		next           = time.Now()
	)

	for {
		if cancelled(ctx) {
			stop(&s.sm)
			return nil
		}

		batch, err := s.pool.Acquire()
		if err != nil {
			s.em.noteDrop(1)
		} else {
			for n := 0; n < batchSize; n++ {
				t := float64(sampleIdx+uint64(n)) / sampleRate
				for i := range s.cfg.Channels {
					v := s.sampleAt(t, i)
					raw := VoltsToRaw(v, s.cfg.VRef, s.cfg.ChannelGain(i))
					batch.Raw[i*batchSize+n] = raw
					batch.Volts[i*batchSize+n] = RawToVolts(raw, s.cfg.VRef, s.cfg.ChannelGain(i))
				}
			}
			batch.Seq = seq
			batch.TimestampNs = baseNs + sampleIdx*samplePeriodNs
			seq++
			s.em.publish(batch)
		}
		sampleIdx += uint64(batchSize)

		next = next.Add(batchPeriod)
		if d := time.Until(next); d > 0 {
			select {
			case <-ctx.Done():
				stop(&s.sm)
				return nil
			case <-time.After(d):
			}
		} else {
			// Fell behind the wall clock; resynchronize rather than burst.
			next = time.Now()
		}
	}
}

// sampleAt evaluates the synthetic waveform for one enabled channel at
// time t seconds.
func (s *MockSource) sampleAt(t float64, channel int) float64 {
	var v float64
	phase := float64(channel) * channelPhaseStep
	for _, tone := range s.cfg.Source.Mock.Tones {
		v += tone.Amplitude * math.Sin(2*math.Pi*tone.FrequencyHz*t+phase)
	}
	if std := s.cfg.Source.Mock.NoiseStd; std > 0 {
		v += s.rng.NormFloat64() * std
	}
	return v
}
