package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eegdaq/pkg/config"
	"github.com/eegdaq/pkg/server"
	"github.com/eegdaq/pkg/session"
	"github.com/eegdaq/pkg/wire"
)

func main() {
	configPath := flag.String("config", "", "YAML session config; built-in defaults when empty")
	listen := flag.String("listen", "", "override server listen address")
	source := flag.String("source", "", "override source kind (hardware, mock)")
	record := flag.Duration("record", 0, "capture for the given duration instead of serving")
	outDir := flag.String("o", "", "override recording directory")
	format := flag.String("format", "", "override recording format (csv, parquet)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  Server Mode:  eegd [options]")
		fmt.Fprintln(os.Stderr, "  Capture Mode: eegd -record 30s [options]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()

	// Optional .env in the working directory; real environment wins.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath, *listen, *source, *outDir, *format)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *record > 0 {
		err = runRecord(ctx, cfg, *record)
	} else {
		err = runServer(ctx, cfg)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers file, environment and flag overrides onto the defaults
// and validates the result once.
func loadConfig(path, listen, source, outDir, format string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if v := os.Getenv("EEGD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("EEGD_MQTT_BROKER"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Broker = v
	}
	if v := os.Getenv("EEGD_DATA_DIR"); v != "" {
		cfg.Recorder.Dir = v
	}

	if listen != "" {
		cfg.Server.Listen = listen
	}
	if source != "" {
		cfg.Source.Kind = source
	}
	if outDir != "" {
		cfg.Recorder.Dir = outDir
	}
	if format != "" {
		cfg.Recorder.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServer streams the session over WebSocket until interrupted or the
// source faults.
func runServer(ctx context.Context, cfg *config.Config) error {
	handshake, err := wire.NewHandshake(cfg).Marshal()
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}
	srv := server.New(cfg, sess, handshake)
	if err := srv.Start(); err != nil {
		return err
	}
	if err := sess.Start(ctx, srv.Broadcast); err != nil {
		return err
	}
	go statsLoop(ctx, sess)

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case <-sess.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	return sess.Stop()
}
