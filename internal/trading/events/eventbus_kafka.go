package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/predex/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig selects brokers and the topic prefix events are written under.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher mirrors bus topics onto Kafka, one writer per topic, keyed
// by market so a market's events stay ordered within a partition.
type KafkaPublisher struct {
	cfg       KafkaConfig
	logger    *zap.Logger
	newWriter func(topic string) MessageWriter

	mu      sync.Mutex
	writers map[string]MessageWriter
}

// NewKafkaPublisher creates a publisher writing asynchronously to cfg.Brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "predex."
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	p := &KafkaPublisher{cfg: cfg, logger: logger.Named("kafka"), writers: make(map[string]MessageWriter)}
	p.newWriter = p.kafkaWriter
	return p
}

// NewKafkaPublisherWithWriter uses newWriter to create per-topic writers.
func NewKafkaPublisherWithWriter(cfg KafkaConfig, logger *zap.Logger, newWriter func(topic string) MessageWriter) *KafkaPublisher {
	p := NewKafkaPublisher(cfg, logger)
	p.newWriter = newWriter
	return p
}

func (p *KafkaPublisher) kafkaWriter(topic string) MessageWriter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.EventsPublished.WithLabelValues("kafka", "error").Add(float64(len(messages)))
				p.logger.Error("Failed to publish messages", zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
	switch p.cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return w
}

func (p *KafkaPublisher) writer(topic string) MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writers[topic]
	if !ok {
		w = p.newWriter(topic)
		p.writers[topic] = w
	}
	return w
}

// Publish writes event as JSON. Failures are logged, never returned.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(event.Key), Value: data, Time: event.Timestamp}
	if err := p.writer(p.cfg.TopicPrefix+event.Topic).WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		p.logger.Warn("Kafka write failed", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
}

// Attach mirrors topics of bus to Kafka.
func (p *KafkaPublisher) Attach(bus EventBus, topics ...string) {
	if len(topics) == 0 {
		topics = []string{TopicTrade, TopicOrder, TopicMarket}
	}
	for _, topic := range topics {
		bus.Subscribe(topic, func(e Event) { p.Publish(context.Background(), e) })
	}
}

// Close flushes and closes every writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close kafka writer %s: %w", topic, err)
		}
	}
	p.writers = make(map[string]MessageWriter)
	return firstErr
}
