package dsp

import (
	"encoding/json"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// sampleRow is one recorded sample across the full 8-channel bank. Columns
// for disabled channels stay zero; raw codes and decoded volts are stored
// side by side so recordings can be re-decoded offline.
type sampleRow struct {
	TimestampNs int64 `parquet:"timestamp_ns"`

	Raw0 int32 `parquet:"raw0"`
	Raw1 int32 `parquet:"raw1"`
	Raw2 int32 `parquet:"raw2"`
	Raw3 int32 `parquet:"raw3"`
	Raw4 int32 `parquet:"raw4"`
	Raw5 int32 `parquet:"raw5"`
	Raw6 int32 `parquet:"raw6"`
	Raw7 int32 `parquet:"raw7"`

	V0 float32 `parquet:"v0"`
	V1 float32 `parquet:"v1"`
	V2 float32 `parquet:"v2"`
	V3 float32 `parquet:"v3"`
	V4 float32 `parquet:"v4"`
	V5 float32 `parquet:"v5"`
	V6 float32 `parquet:"v6"`
	V7 float32 `parquet:"v7"`
}

func (r *sampleRow) set(ch int, raw int32, v float32) {
	switch ch {
	case 0:
		r.Raw0, r.V0 = raw, v
	case 1:
		r.Raw1, r.V1 = raw, v
	case 2:
		r.Raw2, r.V2 = raw, v
	case 3:
		r.Raw3, r.V3 = raw, v
	case 4:
		r.Raw4, r.V4 = raw, v
	case 5:
		r.Raw5, r.V5 = raw, v
	case 6:
		r.Raw6, r.V6 = raw, v
	case 7:
		r.Raw7, r.V7 = raw, v
	}
}

type parquetSink struct {
	f        *os.File
	w        *parquet.GenericWriter[sampleRow]
	channels []int // enabled channel index per batch row position
	rows     []sampleRow
}

// newParquetSink embeds the marshalled session config as file metadata so
// a recording carries its own provenance.
func newParquetSink(f *os.File, cfg *config.Config) (*parquetSink, error) {
	configStr := "{}"
	if b, err := json.Marshal(cfg); err == nil {
		configStr = string(b)
	}
	return &parquetSink{
		f:        f,
		w:        parquet.NewGenericWriter[sampleRow](f, parquet.KeyValueMetadata("session_config", configStr)),
		channels: cfg.Channels,
	}, nil
}

func (s *parquetSink) writeBatch(b *pipeline.SampleBatch, periodNs uint64) error {
	n := b.SamplesPerChannel
	if cap(s.rows) < n {
		s.rows = make([]sampleRow, n)
	}
	s.rows = s.rows[:n]
	for i := 0; i < n; i++ {
		row := sampleRow{TimestampNs: int64(b.TimestampNs + uint64(i)*periodNs)}
		for pos, ch := range s.channels {
			row.set(ch, b.Raw[pos*n+i], b.Volts[pos*n+i])
		}
		s.rows[i] = row
	}
	_, err := s.w.Write(s.rows)
	return err
}

func (s *parquetSink) close() error {
	if err := s.w.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
