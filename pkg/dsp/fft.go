package dsp

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// FFT maintains a per-channel ring of the last W samples and, every hop
// samples, emits one FftFrame per channel: Hann-windowed real FFT,
// normalized to power |X[k]|^2 / W over the positive frequencies. Hop
// boundaries are counted in samples, never wall-clock, so output is
// deterministic for a given input. Nothing is emitted until W samples have
// been buffered.
type FFT struct {
	window  int // W
	hop     int
	rings   [][]float64 // per channel, capacity W
	hann    []float64
	freqs   []float32 // shared across every emitted frame
	scratch []float64

	buffered  uint64 // total samples per channel seen
	sinceEmit int
}

func NewFFT() *FFT { return &FFT{} }

func (p *FFT) Name() string { return "fft" }

func (p *FFT) Init(cfg *config.Config) error {
	p.window = cfg.WindowSamples()
	p.hop = cfg.HopSamples()
	channels := len(cfg.Channels)

	p.rings = make([][]float64, channels)
	for i := range p.rings {
		p.rings[i] = make([]float64, p.window)
	}
	p.hann = make([]float64, p.window)
	for i := range p.hann {
		p.hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(p.window-1)))
	}
	bins := p.window/2 + 1
	p.freqs = make([]float32, bins)
	for k := range p.freqs {
		p.freqs[k] = float32(float64(k) * float64(cfg.SampleRate) / float64(p.window))
	}
	p.scratch = make([]float64, p.window)
	p.buffered = 0
	p.sinceEmit = 0
	return nil
}

func (p *FFT) Process(frame pipeline.Frame, emit func(pipeline.Frame)) error {
	batch, ok := frame.(*pipeline.SampleBatch)
	if !ok {
		return nil
	}
	n := batch.SamplesPerChannel
	for s := 0; s < n; s++ {
		slot := int(p.buffered % uint64(p.window))
		for ch := 0; ch < batch.Channels; ch++ {
			p.rings[ch][slot] = float64(batch.Volts[ch*n+s])
		}
		p.buffered++
		p.sinceEmit++

		if p.buffered >= uint64(p.window) && p.sinceEmit >= p.hop {
			p.emitSpectra(batch.Seq, emit)
			p.sinceEmit = 0
		}
	}
	return nil
}

func (p *FFT) emitSpectra(seq uint64, emit func(pipeline.Frame)) {
	start := int(p.buffered % uint64(p.window)) // oldest sample in the ring
	for ch := range p.rings {
		ring := p.rings[ch]
		for i := 0; i < p.window; i++ {
			p.scratch[i] = ring[(start+i)%p.window] * p.hann[i]
		}
		spectrum := fft.FFTReal(p.scratch)

		power := make([]float32, len(p.freqs))
		for k := range power {
			m := cmplx.Abs(spectrum[k])
			power[k] = float32(m * m / float64(p.window))
		}
		emit(&pipeline.FftFrame{
			Seq:     seq,
			Channel: ch,
			Power:   power,
			Freqs:   p.freqs,
		})
	}
}

func (p *FFT) Teardown() error { return nil }
