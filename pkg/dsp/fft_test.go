package dsp

import (
	"math"
	"testing"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

func fftConfig() *config.Config {
	cfg := config.Default()
	cfg.SampleRate = 250
	cfg.Channels = []int{0, 1}
	cfg.BatchSize = 32
	cfg.FFT = config.FFTConfig{WindowMs: 1024, HopMs: 512} // W=256, hop=128
	return cfg
}

// feedFFT pushes per-channel signals through the FFT in batches and returns
// every emitted spectrum in order.
func feedFFT(t *testing.T, cfg *config.Config, signals [][]float64) []*pipeline.FftFrame {
	t.Helper()
	n := cfg.BatchSize
	channels := len(cfg.Channels)
	pool := pipeline.NewBufferPool(4, channels, n)

	p := NewFFT()
	if err := p.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}

	var frames []*pipeline.FftFrame
	emit := func(fr pipeline.Frame) {
		frames = append(frames, fr.(*pipeline.FftFrame))
	}

	total := len(signals[0])
	for off := 0; off+n <= total; off += n {
		b, err := pool.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		b.Seq = uint64(off / n)
		for ch := 0; ch < channels; ch++ {
			for i := 0; i < n; i++ {
				b.Volts[ch*n+i] = float32(signals[ch][off+i])
			}
		}
		if err := p.Process(b, emit); err != nil {
			t.Fatalf("process: %v", err)
		}
		b.Release()
	}
	return frames
}

func peakFreq(fr *pipeline.FftFrame) float64 {
	best := 0
	for k := range fr.Power {
		if fr.Power[k] > fr.Power[best] {
			best = k
		}
	}
	return float64(fr.Freqs[best])
}

func TestFFTNoEmissionBeforeWindowFull(t *testing.T) {
	cfg := fftConfig()
	signals := [][]float64{sine(10, 250, 100e-6, 224), sine(10, 250, 100e-6, 224)}
	frames := feedFFT(t, cfg, signals) // 224 < 256 samples buffered
	if len(frames) != 0 {
		t.Fatalf("emitted %d frames before window filled", len(frames))
	}
}

func TestFFTEmissionCadence(t *testing.T) {
	cfg := fftConfig()
	signals := [][]float64{sine(10, 250, 100e-6, 512), sine(10, 250, 100e-6, 512)}
	frames := feedFFT(t, cfg, signals)
	// Window fills at sample 256, then hops at 384 and 512: three spectra
	// per channel.
	if len(frames) != 6 {
		t.Fatalf("got %d frames, want 6", len(frames))
	}
	for i, fr := range frames {
		if want := i % 2; fr.Channel != want {
			t.Fatalf("frame %d channel %d, want %d", i, fr.Channel, want)
		}
	}
}

func TestFFTFrequencyAxis(t *testing.T) {
	cfg := fftConfig()
	signals := [][]float64{sine(10, 250, 100e-6, 256), sine(10, 250, 100e-6, 256)}
	frames := feedFFT(t, cfg, signals)
	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}
	fr := frames[0]
	if len(fr.Freqs) != 129 || len(fr.Power) != 129 {
		t.Fatalf("got %d bins, want 129", len(fr.Freqs))
	}
	if fr.Freqs[0] != 0 {
		t.Fatalf("first bin %g Hz, want 0", fr.Freqs[0])
	}
	if got := float64(fr.Freqs[128]); math.Abs(got-125) > 1e-3 {
		t.Fatalf("last bin %g Hz, want 125", got)
	}
}

func TestFFTPeakTracksTonePerChannel(t *testing.T) {
	cfg := fftConfig()
	signals := [][]float64{
		sine(10, 250, 100e-6, 512),
		sine(30, 250, 100e-6, 512),
	}
	frames := feedFFT(t, cfg, signals)
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least 2", len(frames))
	}
	want := []float64{10, 30}
	for _, fr := range frames[len(frames)-2:] {
		got := peakFreq(fr)
		if math.Abs(got-want[fr.Channel]) > 1.5 {
			t.Fatalf("channel %d peak at %g Hz, want near %g", fr.Channel, got, want[fr.Channel])
		}
	}
}

func TestFFTCarriesSequence(t *testing.T) {
	cfg := fftConfig()
	signals := [][]float64{sine(10, 250, 100e-6, 256), sine(10, 250, 100e-6, 256)}
	frames := feedFFT(t, cfg, signals)
	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}
	// The window fills inside the last batch fed, seq 7.
	if frames[0].Seq != 7 {
		t.Fatalf("seq %d, want 7", frames[0].Seq)
	}
}
