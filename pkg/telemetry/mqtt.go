// Package telemetry publishes periodic session health over MQTT so a fleet
// of acquisition boxes can be watched from one broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eegdaq/pkg/config"
)

// Health is one telemetry sample, published as JSON.
type Health struct {
	SessionID        string         `json:"session_id"`
	TimestampNs      int64          `json:"timestamp_ns"`
	State            string         `json:"state"`
	UptimeS          float64        `json:"uptime_s"`
	BatchesPublished uint64         `json:"batches_published"`
	BatchesDropped   uint64         `json:"batches_dropped"`
	Subscribers      int            `json:"subscribers"`
	Plugins          []PluginHealth `json:"plugins,omitempty"`
}

// PluginHealth mirrors one DSP stage's counters.
type PluginHealth struct {
	Name             string `json:"name"`
	SamplesProcessed uint64 `json:"samples_processed"`
	FramesDropped    uint64 `json:"frames_dropped"`
	Detached         bool   `json:"detached"`
}

// Emitter connects to the configured broker and publishes one Health sample
// per interval. A disabled config yields an emitter whose methods are no-ops
// so callers never branch.
type Emitter struct {
	cfg       config.TelemetryConfig
	sessionID string
	client    mqtt.Client
	started   time.Time

	published uint64
	errors    uint64
}

func NewEmitter(cfg *config.Config) *Emitter {
	return &Emitter{
		cfg:       cfg.Telemetry,
		sessionID: uuid.NewString(),
		started:   time.Now(),
	}
}

// SessionID identifies this session in every published sample.
func (e *Emitter) SessionID() string { return e.sessionID }

func (e *Emitter) Connect() error {
	if !e.cfg.Enabled {
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID("eegd-" + e.sessionID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("telemetry: connection lost, reconnecting: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("telemetry: connect to %s timed out", e.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: connect: %w", err)
	}
	log.Printf("telemetry: connected to %s, topic %s", e.cfg.Broker, e.cfg.Topic)
	return nil
}

// Run publishes snapshot() every interval until ctx is cancelled. It returns
// immediately when telemetry is disabled.
func (e *Emitter) Run(ctx context.Context, snapshot func() Health) {
	if !e.cfg.Enabled || e.client == nil {
		return
	}
	interval := time.Duration(e.cfg.IntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publish(snapshot())
		}
	}
}

func (e *Emitter) publish(h Health) {
	h.SessionID = e.sessionID
	h.TimestampNs = time.Now().UnixNano()
	h.UptimeS = time.Since(e.started).Seconds()

	payload, err := json.Marshal(h)
	if err != nil {
		atomic.AddUint64(&e.errors, 1)
		return
	}
	token := e.client.Publish(e.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		atomic.AddUint64(&e.errors, 1)
		log.Printf("telemetry: publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		atomic.AddUint64(&e.errors, 1)
		log.Printf("telemetry: publish: %v", err)
		return
	}
	atomic.AddUint64(&e.published, 1)
}

// Published is the number of samples delivered to the broker.
func (e *Emitter) Published() uint64 { return atomic.LoadUint64(&e.published) }

func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
}
