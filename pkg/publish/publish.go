package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/types"
)

// ErrNotConnected is returned when the broker connection is down
var ErrNotConnected = errors.New("mqtt not connected")

// Publisher announces finished analyses
type Publisher interface {
	Publish(ctx context.Context, res *pipeline.AnalysisResult) error
	Close() error
}

// Message is the payload sent for every analysis
type Message struct {
	RequestID    string              `json:"request_id"`
	Success      bool                `json:"success"`
	Disease      string              `json:"disease,omitempty"`
	Confidence   string              `json:"confidence_level,omitempty"`
	Source       string              `json:"source,omitempty"`
	Preliminary  bool                `json:"preliminary"`
	Uncertain    bool                `json:"uncertain"`
	FromCache    bool                `json:"from_cache"`
	Fingerprint  string              `json:"fingerprint,omitempty"`
	ModelVersion string              `json:"model_version,omitempty"`
	Error        *pipeline.ErrorInfo `json:"error,omitempty"`
	ElapsedMs    int64               `json:"elapsed_ms"`
	PublishedAt  time.Time           `json:"published_at"`
}

// NewMessage summarizes res
func NewMessage(res *pipeline.AnalysisResult, now time.Time) Message {
	msg := Message{
		RequestID:   res.RequestID,
		Success:     res.Success,
		FromCache:   res.FromCache,
		Fingerprint: res.Fingerprint,
		Error:       pipeline.Info(res.Error),
		ElapsedMs:   res.ElapsedMs,
		PublishedAt: now.UTC(),
	}
	if r := res.Report; r != nil {
		msg.Disease = r.DiseaseName
		msg.Confidence = r.ConfidenceLevel
		msg.Source = string(r.Source)
		msg.Preliminary = r.Source != types.SourceValidated
		msg.Uncertain = r.IsUncertain
		msg.ModelVersion = r.ModelVersion
	}
	return msg
}

// Topic returns the subtopic for res under base
func Topic(base string, res *pipeline.AnalysisResult) string {
	if !res.Success {
		return base + "/failures"
	}
	return base + "/diagnoses"
}

type broker interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTPublisher publishes analysis summaries to an MQTT broker
type MQTTPublisher struct {
	cfg    config.PublishConfig
	client broker
	log    logrus.FieldLogger
	now    func() time.Time

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// Connect dials the broker in cfg with automatic reconnects
func Connect(cfg config.PublishConfig, log logrus.FieldLogger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.WithField("broker", cfg.Broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithField("broker", cfg.Broker).WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTPublisher(c, cfg, log), nil
}

func newMQTTPublisher(c broker, cfg config.PublishConfig, log logrus.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{
		cfg:       cfg,
		client:    c,
		log:       log,
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

// Publish sends a summary of res. It waits for the broker acknowledgement
// up to two seconds or until ctx is done.
func (p *MQTTPublisher) Publish(ctx context.Context, res *pipeline.AnalysisResult) error {
	if res == nil {
		return nil
	}
	if !p.client.IsConnected() {
		p.failed()
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewMessage(res, p.now()))
	if err != nil {
		p.failed()
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	topic := Topic(p.cfg.Topic, res)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		p.failed()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		p.failed()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		p.failed()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"topic":      topic,
		"request_id": res.RequestID,
		"size":       len(payload),
	}).Debug("analysis published")
	return nil
}

func (p *MQTTPublisher) failed() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns publisher statistics
func (p *MQTTPublisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{
		Connected: p.client.IsConnected(),
		Published: published,
		Errors:    p.errors,
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}

// Nop discards everything
type Nop struct{}

func (Nop) Publish(context.Context, *pipeline.AnalysisResult) error { return nil }
func (Nop) Close() error                                            { return nil }
