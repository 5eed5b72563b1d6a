package dsp

import (
	"fmt"
	"math"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// Biquad Q factors: Butterworth response for the corner stages, narrow
// rejection for the mains notches.
const (
	cornerQ = math.Sqrt2 / 2
	notchQ  = 30.0
)

// biquadStage is one second-order section with independent state per
// channel, direct form II transposed.
type biquadStage struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             []float64
}

func (s *biquadStage) process(ch int, x float64) float64 {
	y := s.b0*x + s.z1[ch]
	s.z1[ch] = s.b1*x - s.a1*y + s.z2[ch]
	s.z2[ch] = s.b2*x - s.a2*y
	return y
}

func newStage(channels int, b0, b1, b2, a0, a1, a2 float64) *biquadStage {
	return &biquadStage{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
		z1: make([]float64, channels),
		z2: make([]float64, channels),
	}
}

func highpassStage(channels int, freq, rate float64) *biquadStage {
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * cornerQ)
	cw := math.Cos(w0)
	return newStage(channels,
		(1+cw)/2, -(1 + cw), (1+cw)/2,
		1+alpha, -2*cw, 1-alpha)
}

func lowpassStage(channels int, freq, rate float64) *biquadStage {
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * cornerQ)
	cw := math.Cos(w0)
	return newStage(channels,
		(1-cw)/2, 1-cw, (1-cw)/2,
		1+alpha, -2*cw, 1-alpha)
}

func notchStage(channels int, freq, rate float64) *biquadStage {
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * notchQ)
	cw := math.Cos(w0)
	return newStage(channels,
		1, -2*cw, 1,
		1+alpha, -2*cw, 1-alpha)
}

// Filter applies the voltage conditioning chain per channel: DC-block
// high-pass, mains notches, low-pass. Input values are clamped to the
// physically meaningful range before filtering. With no stages configured
// it passes samples through unchanged. Output batches keep the input
// sequence number and timestamp.
type Filter struct {
	pool   *pipeline.BufferPool
	stages []*biquadStage
	limits []float32 // per enabled channel, vref/gain
}

func NewFilter(pool *pipeline.BufferPool) *Filter {
	return &Filter{pool: pool}
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Init(cfg *config.Config) error {
	channels := len(cfg.Channels)
	rate := float64(cfg.SampleRate)
	nyquist := rate / 2

	f.stages = nil
	if hz := cfg.Filter.HighpassHz; hz > 0 {
		f.stages = append(f.stages, highpassStage(channels, hz, rate))
	}
	for _, hz := range cfg.Filter.NotchHz {
		if hz <= 0 {
			continue
		}
		if hz >= nyquist {
			// A notch above Nyquist has nothing to reject.
			continue
		}
		f.stages = append(f.stages, notchStage(channels, hz, rate))
	}
	if hz := cfg.Filter.LowpassHz; hz > 0 {
		if hz >= nyquist {
			return fmt.Errorf("lowpass %g Hz at or above Nyquist (%g Hz)", hz, nyquist)
		}
		f.stages = append(f.stages, lowpassStage(channels, hz, rate))
	}

	f.limits = make([]float32, channels)
	for i := range cfg.Channels {
		f.limits[i] = float32(cfg.VRef / float64(cfg.ChannelGain(i)))
	}
	return nil
}

func (f *Filter) Process(frame pipeline.Frame, emit func(pipeline.Frame)) error {
	in, ok := frame.(*pipeline.SampleBatch)
	if !ok {
		return nil
	}
	out, err := f.pool.Acquire()
	if err != nil {
		return err
	}
	out.Seq = in.Seq
	out.TimestampNs = in.TimestampNs
	copy(out.Raw, in.Raw)

	n := in.SamplesPerChannel
	for ch := 0; ch < in.Channels; ch++ {
		limit := f.limits[ch]
		src := in.Volts[ch*n : (ch+1)*n]
		dst := out.Volts[ch*n : (ch+1)*n]
		for i, v := range src {
			if v > limit {
				v = limit
			} else if v < -limit {
				v = -limit
			}
			x := float64(v)
			for _, s := range f.stages {
				x = s.process(ch, x)
			}
			dst[i] = float32(x)
		}
	}
	emit(out)
	return nil
}

func (f *Filter) Teardown() error { return nil }
