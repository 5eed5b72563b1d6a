package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/eegdaq/pkg/pipeline"
)

// Packet layout, all little-endian:
//
//	offset 0  u64 timestamp_ns
//	offset 8  u8  error_flag
//	offset 9  u8  fft_flag
//	offset 10 payload
//
// error_flag = 1: payload is a UTF-8 diagnostic string.
// error_flag = 0: optional spectra section when fft_flag = 1, then the
// channel-major f32 sample matrix. Readers recover samples-per-channel from
// the remaining byte count and the handshake's channel list.
const headerSize = 10

var (
	ErrShortPacket = errors.New("wire: packet shorter than header")
	ErrTruncated   = errors.New("wire: packet payload truncated")
)

// Spectrum is one channel's power spectrum with its frequency axis.
type Spectrum struct {
	Power []float32
	Freqs []float32
}

// Packet is a decoded data or error message.
type Packet struct {
	TimestampNs uint64
	ErrMessage  string      // set when the error flag was raised
	Spectra     []Spectrum  // in enabled-channel order, nil when absent
	Samples     [][]float32 // per enabled channel, nil for error packets
}

func (p *Packet) IsError() bool { return p.ErrMessage != "" }

func appendHeader(dst []byte, timestampNs uint64, errorFlag, fftFlag byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, timestampNs)
	return append(dst, errorFlag, fftFlag)
}

func appendF32s(dst []byte, vals []float32) []byte {
	for _, v := range vals {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// AppendError encodes an ErrorFrame packet.
func AppendError(dst []byte, timestampNs uint64, message string) []byte {
	dst = appendHeader(dst, timestampNs, 1, 0)
	return append(dst, message...)
}

// AppendBatch encodes one SampleBatch, preceded by any spectra produced
// since the previous batch. Spectra must be in enabled-channel order.
func AppendBatch(dst []byte, b *pipeline.SampleBatch, spectra []Spectrum) []byte {
	fftFlag := byte(0)
	if len(spectra) > 0 {
		fftFlag = 1
	}
	dst = appendHeader(dst, b.TimestampNs, 0, fftFlag)
	if fftFlag == 1 {
		dst = append(dst, byte(len(spectra)))
		for _, sp := range spectra {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(sp.Power)))
			dst = appendF32s(dst, sp.Power)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(sp.Freqs)))
			dst = appendF32s(dst, sp.Freqs)
		}
	}
	return appendF32s(dst, b.Volts)
}

func readF32s(data []byte, n int) ([]float32, []byte, error) {
	if len(data) < 4*n {
		return nil, nil, ErrTruncated
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, data[4*n:], nil
}

// Decode parses one packet. channels is the enabled-channel count from the
// handshake; it sizes the sample matrix.
func Decode(data []byte, channels int) (*Packet, error) {
	if len(data) < headerSize {
		return nil, ErrShortPacket
	}
	p := &Packet{TimestampNs: binary.LittleEndian.Uint64(data)}
	errorFlag, fftFlag := data[8], data[9]
	rest := data[headerSize:]

	if errorFlag == 1 {
		p.ErrMessage = string(rest)
		return p, nil
	}

	if fftFlag == 1 {
		if len(rest) < 1 {
			return nil, ErrTruncated
		}
		count := int(rest[0])
		rest = rest[1:]
		p.Spectra = make([]Spectrum, count)
		for i := 0; i < count; i++ {
			var err error
			var sp Spectrum
			if len(rest) < 4 {
				return nil, ErrTruncated
			}
			n := int(binary.LittleEndian.Uint32(rest))
			if sp.Power, rest, err = readF32s(rest[4:], n); err != nil {
				return nil, err
			}
			if len(rest) < 4 {
				return nil, ErrTruncated
			}
			n = int(binary.LittleEndian.Uint32(rest))
			if sp.Freqs, rest, err = readF32s(rest[4:], n); err != nil {
				return nil, err
			}
			p.Spectra[i] = sp
		}
	}

	if channels <= 0 {
		return nil, fmt.Errorf("wire: invalid channel count %d", channels)
	}
	if len(rest)%(4*channels) != 0 {
		return nil, fmt.Errorf("wire: %d payload bytes do not divide into %d channels", len(rest), channels)
	}
	perChannel := len(rest) / 4 / channels
	p.Samples = make([][]float32, channels)
	for ch := range p.Samples {
		var err error
		if p.Samples[ch], rest, err = readF32s(rest, perChannel); err != nil {
			return nil, err
		}
	}
	return p, nil
}
