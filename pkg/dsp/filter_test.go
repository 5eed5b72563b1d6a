package dsp

import (
	"errors"
	"math"
	"testing"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

func filterConfig() *config.Config {
	cfg := config.Default()
	cfg.SampleRate = 250
	cfg.Channels = []int{0}
	cfg.BatchSize = 25
	return cfg
}

// runFilter pushes one channel of samples through the filter in batches and
// returns the filtered output.
func runFilter(t *testing.T, cfg *config.Config, input []float64) []float64 {
	t.Helper()
	n := cfg.BatchSize
	pool := pipeline.NewBufferPool(4, len(cfg.Channels), n)
	f := NewFilter(pool)
	if err := f.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}

	var out []float64
	emit := func(fr pipeline.Frame) {
		b := fr.(*pipeline.SampleBatch)
		for _, v := range b.ChannelVolts(0) {
			out = append(out, float64(v))
		}
		fr.Release()
	}

	for off := 0; off+n <= len(input); off += n {
		in, err := pool.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		for i := 0; i < n; i++ {
			in.Volts[i] = float32(input[off+i])
		}
		if err := f.Process(in, emit); err != nil {
			t.Fatalf("process: %v", err)
		}
		in.Release()
	}
	return out
}

func sine(freq, rate, amp float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return out
}

func rms(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func TestFilterUnityPassthrough(t *testing.T) {
	cfg := filterConfig()
	cfg.Filter = config.FilterConfig{}

	input := sine(10, 250, 100e-6, 250)
	out := runFilter(t, cfg, input)
	if len(out) != len(input) {
		t.Fatalf("got %d samples, want %d", len(out), len(input))
	}
	for i := range out {
		if math.Abs(out[i]-input[i]) > 1e-9 {
			t.Fatalf("sample %d changed: %g -> %g", i, input[i], out[i])
		}
	}
}

func TestFilterRemovesDC(t *testing.T) {
	cfg := filterConfig()
	cfg.Filter = config.FilterConfig{HighpassHz: 0.5}

	input := make([]float64, 2500) // 10 s of pure DC
	for i := range input {
		input[i] = 1e-3
	}
	out := runFilter(t, cfg, input)
	tail := out[len(out)-250:]
	if r := rms(tail); r > 0.05e-3 {
		t.Fatalf("DC residual rms %g, want < 5%% of input", r)
	}
}

func TestFilterNotchesMains(t *testing.T) {
	cfg := filterConfig()
	cfg.Filter = config.FilterConfig{NotchHz: []float64{50}}

	input := sine(50, 250, 100e-6, 2500)
	out := runFilter(t, cfg, input)
	tail := out[len(out)-250:]
	inRMS := 100e-6 / math.Sqrt2
	if r := rms(tail); r > 0.1*inRMS {
		t.Fatalf("50 Hz residual rms %g, want < 10%% of input rms %g", r, inRMS)
	}
}

func TestFilterPassbandPreserved(t *testing.T) {
	cfg := filterConfig() // full default chain: HP 0.5, notch 50/60, LP 45

	input := sine(10, 250, 100e-6, 2500)
	out := runFilter(t, cfg, input)
	tail := out[len(out)-500:]
	inRMS := 100e-6 / math.Sqrt2
	r := rms(tail)
	if r < 0.8*inRMS || r > 1.2*inRMS {
		t.Fatalf("10 Hz rms %g, want within 20%% of %g", r, inRMS)
	}
}

func TestFilterClampsOutOfRange(t *testing.T) {
	cfg := filterConfig()
	cfg.Filter = config.FilterConfig{}
	limit := cfg.VRef / float64(cfg.Gain)

	input := []float64{10, -10}
	input = append(input, make([]float64, 23)...)
	out := runFilter(t, cfg, input)
	if out[0] != limit || out[1] != -limit {
		t.Fatalf("clamped to %g/%g, want ±%g", out[0], out[1], limit)
	}
}

func TestFilterKeepsSeqAndTimestamp(t *testing.T) {
	cfg := filterConfig()
	pool := pipeline.NewBufferPool(4, 1, cfg.BatchSize)
	f := NewFilter(pool)
	if err := f.Init(cfg); err != nil {
		t.Fatal(err)
	}

	in, _ := pool.Acquire()
	in.Seq = 42
	in.TimestampNs = 123456789
	var got *pipeline.SampleBatch
	err := f.Process(in, func(fr pipeline.Frame) { got = fr.(*pipeline.SampleBatch) })
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 42 || got.TimestampNs != 123456789 {
		t.Fatalf("output seq/ts = %d/%d, want 42/123456789", got.Seq, got.TimestampNs)
	}
}

func TestFilterReportsPoolExhaustion(t *testing.T) {
	cfg := filterConfig()
	pool := pipeline.NewBufferPool(1, 1, cfg.BatchSize)
	f := NewFilter(pool)
	if err := f.Init(cfg); err != nil {
		t.Fatal(err)
	}

	in, _ := pool.Acquire() // pool now empty
	err := f.Process(in, func(pipeline.Frame) {})
	if err == nil || !errors.Is(err, pipeline.ErrOutOfBuffers) {
		t.Fatalf("err = %v, want ErrOutOfBuffers", err)
	}
}
