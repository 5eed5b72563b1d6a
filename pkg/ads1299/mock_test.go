package ads1299

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.SampleRate = 500
	cfg.Channels = []int{0, 1, 2, 3}
	cfg.BatchSize = 50
	cfg.Source.Mock.Tones = []config.Tone{{FrequencyHz: 10, Amplitude: 100e-6}}
	cfg.Source.Mock.NoiseStd = 0
	return cfg
}

func collectMockBatches(t *testing.T, cfg *config.Config, n int) []*pipeline.SampleBatch {
	t.Helper()
	bus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	ch, _ := bus.Subscribe("test", 256, pipeline.DropNew)
	pool := pipeline.NewBufferPool(300, len(cfg.Channels), cfg.BatchSize)
	src := NewMockSource(cfg, bus, errBus, pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	var out []*pipeline.SampleBatch
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case f := <-ch:
			out = append(out, f.(*pipeline.SampleBatch))
		case <-timeout:
			cancel()
			t.Fatalf("collected %d of %d batches", len(out), n)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", src.State())
	}
	return out
}

func TestMockSequenceDense(t *testing.T) {
	batches := collectMockBatches(t, mockConfig(), 5)
	for i, b := range batches {
		if b.Seq != uint64(i) {
			t.Fatalf("batch %d has seq %d", i, b.Seq)
		}
	}
}

func TestMockTimestampSpacing(t *testing.T) {
	cfg := mockConfig()
	batches := collectMockBatches(t, cfg, 6)

	nominal := float64(cfg.BatchSize) / float64(cfg.SampleRate) * 1e9
	for i := 1; i < len(batches); i++ {
		dt := float64(batches[i].TimestampNs - batches[i-1].TimestampNs)
		if math.Abs(dt-nominal)/nominal > 0.05 {
			t.Fatalf("batch %d spacing %.0f ns, want %.0f ±5%%", i, dt, nominal)
		}
	}
}

func TestMockWaveformMatchesTone(t *testing.T) {
	cfg := mockConfig()
	cfg.Channels = []int{0}
	batches := collectMockBatches(t, cfg, 2)

	// Channel 0 has no phase offset, so sample k is amp*sin(2*pi*f*k/fs)
	// quantized through the 24-bit code space.
	tone := cfg.Source.Mock.Tones[0]
	step := cfg.VRef / float64(cfg.Gain) / (1 << 23)
	k := 0
	for _, b := range batches {
		for _, got := range b.ChannelVolts(0) {
			want := tone.Amplitude * math.Sin(2*math.Pi*tone.FrequencyHz*float64(k)/float64(cfg.SampleRate))
			if math.Abs(float64(got)-want) > 2*step {
				t.Fatalf("sample %d = %g, want %g", k, got, want)
			}
			k++
		}
	}
}

func TestMockRawAndVoltsAgree(t *testing.T) {
	cfg := mockConfig()
	batches := collectMockBatches(t, cfg, 1)
	b := batches[0]
	for i := range b.Raw {
		ch := i / b.SamplesPerChannel
		want := RawToVolts(b.Raw[i], cfg.VRef, cfg.ChannelGain(ch))
		if b.Volts[i] != want {
			t.Fatalf("volts[%d] = %g, raw decodes to %g", i, b.Volts[i], want)
		}
	}
}

func TestMockCancellation(t *testing.T) {
	cfg := mockConfig()
	bus := pipeline.NewBus()
	errBus := pipeline.NewBus()
	pool := pipeline.NewBufferPool(8, len(cfg.Channels), cfg.BatchSize)
	src := NewMockSource(cfg, bus, errBus, pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("mock source did not stop within 250ms")
	}
}
