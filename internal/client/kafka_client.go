package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"family-vault/internal/config"
	"family-vault/internal/util"
)

// KafkaProducer publishes security events to the audit topic. Messages are
// hash-partitioned by key so one member's events keep their order.
type KafkaProducer struct {
	Writer  *kafka.Writer
	brokers []string
	dialer  *kafka.Dialer
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kc.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              50,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: !cfg.IsProduction(),
	}

	util.Info("Kafka producer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.String("audit_topic", kc.AuditTopic),
	)

	return &KafkaProducer{
		Writer:  writer,
		brokers: kc.Brokers,
		dialer:  &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true},
	}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// ProduceMessage writes one message synchronously. Headers are sorted by key.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: kafkaHeaders(headers),
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message to %s: %w", topic, err)
	}

	util.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.Int("value_size", len(value)),
	)
	return nil
}

func kafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// HealthCheck succeeds when any broker answers a metadata request.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}
