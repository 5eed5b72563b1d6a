package dsp

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/pipeline"
)

// sessionFileStamp names recorded files, compact ISO 8601 UTC.
const sessionFileStamp = "20060102T150405Z"

type sampleSink interface {
	writeBatch(b *pipeline.SampleBatch, samplePeriodNs uint64) error
	close() error
}

// Recorder subscribes to raw SampleBatches and writes one row per sample,
// {timestamp_ns, ch0, ch1, ...}. A new file is created per session; writes
// are buffered and Teardown flushes.
type Recorder struct {
	periodNs uint64
	path     string
	sink     sampleSink
	rows     uint64
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Name() string { return "recorder" }

// Path is the file this session records to, valid after Init.
func (r *Recorder) Path() string { return r.path }

// Rows is the number of sample rows written so far.
func (r *Recorder) Rows() uint64 { return atomic.LoadUint64(&r.rows) }

func (r *Recorder) Init(cfg *config.Config) error {
	r.periodNs = uint64(time.Second.Nanoseconds()) / uint64(cfg.SampleRate)

	stamp := time.Now().UTC().Format(sessionFileStamp)
	ext := cfg.Recorder.Format
	if ext == "" {
		ext = "csv"
	}
	r.path = filepath.Join(cfg.Recorder.Dir, fmt.Sprintf("session_%s.%s", stamp, ext))

	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	switch ext {
	case "csv":
		r.sink, err = newCSVSink(f, len(cfg.Channels))
	case "parquet":
		r.sink, err = newParquetSink(f, cfg)
	default:
		f.Close()
		return fmt.Errorf("recorder format %q unknown", ext)
	}
	if err != nil {
		f.Close()
		return err
	}
	return nil
}

func (r *Recorder) Process(frame pipeline.Frame, emit func(pipeline.Frame)) error {
	b, ok := frame.(*pipeline.SampleBatch)
	if !ok {
		return nil
	}
	if err := r.sink.writeBatch(b, r.periodNs); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	atomic.AddUint64(&r.rows, uint64(b.SamplesPerChannel))
	return nil
}

func (r *Recorder) Teardown() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.close()
}

type csvSink struct {
	f      *os.File
	buf    *bufio.Writer
	w      *csv.Writer
	record []string
}

func newCSVSink(f *os.File, channels int) (*csvSink, error) {
	s := &csvSink{
		f:      f,
		buf:    bufio.NewWriterSize(f, 64*1024),
		record: make([]string, channels+1),
	}
	s.w = csv.NewWriter(s.buf)

	header := make([]string, channels+1)
	header[0] = "timestamp_ns"
	for i := 0; i < channels; i++ {
		header[i+1] = "ch" + strconv.Itoa(i)
	}
	if err := s.w.Write(header); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *csvSink) writeBatch(b *pipeline.SampleBatch, periodNs uint64) error {
	n := b.SamplesPerChannel
	for i := 0; i < n; i++ {
		s.record[0] = strconv.FormatUint(b.TimestampNs+uint64(i)*periodNs, 10)
		for ch := 0; ch < b.Channels; ch++ {
			s.record[ch+1] = strconv.FormatFloat(float64(b.Volts[ch*n+i]), 'g', -1, 32)
		}
		if err := s.w.Write(s.record); err != nil {
			return err
		}
	}
	return nil
}

func (s *csvSink) close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
