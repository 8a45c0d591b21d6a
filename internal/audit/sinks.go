package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"family-vault/internal/model"
	"family-vault/internal/util"

	"go.uber.org/zap"
)

// RepositorySink appends events to the primary store.
type RepositorySink struct {
	repo model.SecurityEventRepository
}

func NewRepositorySink(repo model.SecurityEventRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Name() string { return "store" }

func (s *RepositorySink) Write(ctx context.Context, e *model.SecurityEvent) error {
	return s.repo.Append(ctx, e)
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, e *model.SecurityEvent) error {
	fields := []zap.Field{
		util.String("event_id", e.EventID),
		util.String("action", e.Action),
		util.String("outcome", outcome(e.Success)),
		util.MemberID(e.MemberID),
		util.String("ip", e.IPAddress),
		util.Any("details", e.Details),
	}
	if e.Success {
		util.Info("Security event", fields...)
	} else {
		util.Warn("Security event", fields...)
	}
	return nil
}

// MessageProducer publishes a keyed message to a topic.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events as JSON, keyed by member so a member's events stay ordered.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(p MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e *model.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	key := e.MemberID
	if key == "" {
		key = e.IPAddress
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"action":  e.Action,
		"outcome": outcome(e.Success),
	})
}

// DocumentIndexer stores a JSON document under an id.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, e *model.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.index, e.EventID, e)
}

// BatchInserter inserts many rows with one prepared batch.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const clickhouseInsert = `INSERT INTO security_events
	(event_id, event_time, event_date, member_id, action, success, ip_address, user_agent, details)`

// ClickhouseSink buffers events and inserts them in batches for analytics.
type ClickhouseSink struct {
	inserter  BatchInserter
	batchSize int

	mu      sync.Mutex
	pending [][]interface{}
}

func NewClickhouseSink(inserter BatchInserter, batchSize int) *ClickhouseSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ClickhouseSink{inserter: inserter, batchSize: batchSize}
}

func (s *ClickhouseSink) Name() string { return "clickhouse" }

// Write queues the event and flushes once a full batch is pending.
func (s *ClickhouseSink) Write(ctx context.Context, e *model.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	row := []interface{}{
		e.EventID, e.Timestamp, e.EventDate(), e.MemberID, e.Action,
		e.Success, e.IPAddress, e.UserAgent, string(details),
	}

	s.mu.Lock()
	s.pending = append(s.pending, row)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush inserts every pending row. Rows are dropped from the buffer even when
// the insert fails so one bad batch cannot grow memory without bound.
func (s *ClickhouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.inserter.BatchInsert(ctx, clickhouseInsert, rows); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(rows), err)
	}
	return nil
}

// Run flushes on every tick until ctx is cancelled, then flushes once more.
func (s *ClickhouseSink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Flush(fctx); err != nil {
				util.Error("Final audit flush failed", util.ErrorField(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				util.Error("Audit flush failed", util.ErrorField(err))
			}
		}
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
