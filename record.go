package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/session"
)

// runRecord captures to file for a fixed duration, without serving
// subscribers.
func runRecord(ctx context.Context, cfg *config.Config, duration time.Duration) error {
	cfg.Recorder.Enabled = true

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx, nil); err != nil {
		return err
	}
	log.Printf("capturing for %s, %d channels at %d Hz", duration, len(cfg.Channels), cfg.SampleRate)

	start := time.Now()
	select {
	case <-ctx.Done():
		log.Printf("interrupted")
	case <-sess.Done():
	case <-time.After(duration):
	}
	if err := sess.Stop(); err != nil {
		return err
	}

	rec := sess.Recorder()
	elapsed := time.Since(start).Seconds()
	fmt.Printf("Captured %d rows in %.1f s (%.0f rows/s)\n", rec.Rows(), elapsed, float64(rec.Rows())/elapsed)
	fmt.Printf("Recording: %s\n", rec.Path())
	if dropped := sess.BatchesDropped(); dropped > 0 {
		fmt.Printf("Dropped %d batches under backpressure\n", dropped)
	}
	return nil
}
