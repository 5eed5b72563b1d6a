// Package wire implements the subscriber-facing framing: a JSON handshake
// describing the session, then binary little-endian packets carrying sample
// batches, spectra and errors.
package wire

import (
	"encoding/json"

	"github.com/eegdaq/pkg/config"
)

// SchemaVersion is bumped whenever the packet layout changes.
const SchemaVersion = 1

// Handshake is the first message sent to every subscriber, as JSON text.
// It carries everything a reader needs to deframe the binary packets that
// follow.
type Handshake struct {
	SampleRate    int   `json:"sample_rate"`
	Channels      []int `json:"channels"`
	BatchSize     int   `json:"batch_size"`
	FFTWindowMs   int   `json:"fft_window_ms"`
	FFTHopMs      int   `json:"fft_hop_ms"`
	SchemaVersion int   `json:"schema_version"`
}

func NewHandshake(cfg *config.Config) Handshake {
	return Handshake{
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
		BatchSize:     cfg.BatchSize,
		FFTWindowMs:   cfg.FFT.WindowMs,
		FFTHopMs:      cfg.FFT.HopMs,
		SchemaVersion: SchemaVersion,
	}
}

func (h Handshake) Marshal() ([]byte, error) { return json.Marshal(h) }

func ParseHandshake(data []byte) (Handshake, error) {
	var h Handshake
	err := json.Unmarshal(data, &h)
	return h, err
}
