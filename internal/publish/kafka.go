// Package publish forwards broadcast overlays to Kafka for downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/stream"
)

// MessageWriter is the subset of *kafkago.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Publisher writes every radar_data broadcast as one Kafka message keyed by site.
type Publisher struct {
	writer       MessageWriter
	writeTimeout time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	done chan struct{}
}

// NewKafkaPublisher creates a Publisher backed by a kafka-go Writer. Messages for one
// site hash to one partition, so consumers see a site's overlays in order.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return NewPublisher(w, cfg.WriteTimeout, logger)
}

// NewPublisher wraps an existing writer. writeTimeout bounds each publish; zero selects 10s.
func NewPublisher(w MessageWriter, writeTimeout time.Duration, logger *zap.Logger) *Publisher {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, writeTimeout: writeTimeout, logger: logger.With(zap.String("component", "publish"))}
}

// Publish writes one overlay.
func (p *Publisher) Publish(ctx context.Context, res models.OverlayResult) error {
	msg, err := serializeToMessage(res)
	if err != nil {
		observability.PublishTotal.WithLabelValues("error").Inc()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.PublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %s: %w", res.VolumeID, err)
	}
	observability.PublishTotal.WithLabelValues("success").Inc()
	return nil
}

// Start consumes msgs in the background until the channel closes or ctx is done.
// Failures are logged; the stream is never blocked on Kafka for longer than one write.
func (p *Publisher) Start(ctx context.Context, msgs <-chan stream.Message) {
	done := make(chan struct{})
	p.mu.Lock()
	p.done = done
	p.mu.Unlock()
	go func() {
		defer close(done)
		p.run(ctx, msgs)
	}()
}

func (p *Publisher) run(ctx context.Context, msgs <-chan stream.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.Type != stream.TypeRadarData || m.Overlay == nil {
				continue
			}
			if err := p.Publish(ctx, *m.Overlay); err != nil {
				p.logger.Warn("overlay publish failed", zap.String("volume_id", m.Overlay.VolumeID), zap.Error(err))
				continue
			}
			p.logger.Debug("overlay published", zap.String("volume_id", m.Overlay.VolumeID), zap.Uint64("generation", m.Generation))
		}
	}
}

// Flush waits for the consumer started by Start to exit, then closes the writer, which
// flushes any buffered batch. Implements observability.Flusher.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("kafka publisher drain: %w", ctx.Err())
		}
	}
	return p.writer.Close()
}

// serializeToMessage marshals an overlay into a Kafka message.
func serializeToMessage(res models.OverlayResult) (kafkago.Message, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize overlay: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(res.Site),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "volume_id", Value: []byte(res.VolumeID)},
			{Key: "elevation", Value: []byte(strconv.FormatFloat(res.Elevation, 'f', 2, 64))},
			{Key: "scan_time", Value: []byte(res.Timestamp.UTC().Format(time.RFC3339))},
		},
	}, nil
}
