// Package pipeline carries typed frames between the acquisition source, the
// DSP stages and the publisher. Frames flow through Bus instances; sample
// storage comes from a bounded BufferPool so the hot path does not allocate
// after warmup.
package pipeline

import (
	"errors"
	"sync/atomic"
)

// ErrOutOfBuffers is returned by BufferPool.Acquire when every buffer is in
// flight. The source treats this the same as backpressure.
var ErrOutOfBuffers = errors.New("pipeline: frame pool exhausted")

// Frame is any message carried by a Bus. Pooled frames are reference
// counted; Retain/Release are no-ops for the rest.
type Frame interface {
	Retain()
	Release()
}

// SampleBatch is a contiguous time-slice across all enabled channels.
// Raw and Volts are channel-major: all samples for channel 0, then
// channel 1, and so on. After publication a batch is shared read-only;
// the last holder to Release returns it to the pool.
type SampleBatch struct {
	Seq               uint64
	TimestampNs       uint64 // host monotonic, first sample in the batch
	Channels          int
	SamplesPerChannel int
	Raw               []int32
	Volts             []float32

	pool *BufferPool
	refs int32
}

func (b *SampleBatch) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

func (b *SampleBatch) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.pool != nil {
		b.pool.put(b)
	}
}

// ChannelVolts returns the voltage samples for the i-th enabled channel.
func (b *SampleBatch) ChannelVolts(i int) []float32 {
	return b.Volts[i*b.SamplesPerChannel : (i+1)*b.SamplesPerChannel]
}

// ChannelRaw returns the raw ADC codes for the i-th enabled channel.
func (b *SampleBatch) ChannelRaw(i int) []int32 {
	return b.Raw[i*b.SamplesPerChannel : (i+1)*b.SamplesPerChannel]
}

// FftFrame is the per-channel spectral output of the FFT stage. Freqs is
// shared across frames of one session; treat it as read-only.
type FftFrame struct {
	Seq     uint64 // source batch sequence of the last sample included
	Channel int
	Power   []float32
	Freqs   []float32
}

func (*FftFrame) Retain()  {}
func (*FftFrame) Release() {}

// ErrorFrame carries a single diagnostic message.
type ErrorFrame struct {
	TimestampNs uint64
	Message     string
}

func (*ErrorFrame) Retain()  {}
func (*ErrorFrame) Release() {}

// BufferPool is a bounded free-list of SampleBatch storage. Acquire never
// blocks; an exhausted pool reports ErrOutOfBuffers.
type BufferPool struct {
	free chan *SampleBatch
}

// NewBufferPool pre-allocates size batches shaped channels x samples.
func NewBufferPool(size, channels, samplesPerChannel int) *BufferPool {
	p := &BufferPool{free: make(chan *SampleBatch, size)}
	for i := 0; i < size; i++ {
		p.free <- &SampleBatch{
			Channels:          channels,
			SamplesPerChannel: samplesPerChannel,
			Raw:               make([]int32, channels*samplesPerChannel),
			Volts:             make([]float32, channels*samplesPerChannel),
			pool:              p,
		}
	}
	return p
}

// Acquire hands out a batch with a reference count of one.
func (p *BufferPool) Acquire() (*SampleBatch, error) {
	select {
	case b := <-p.free:
		atomic.StoreInt32(&b.refs, 1)
		return b, nil
	default:
		return nil, ErrOutOfBuffers
	}
}

// Free reports how many buffers are currently available.
func (p *BufferPool) Free() int { return len(p.free) }

func (p *BufferPool) put(b *SampleBatch) {
	b.Seq = 0
	b.TimestampNs = 0
	select {
	case p.free <- b:
	default:
	}
}
