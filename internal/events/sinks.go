package events

import (
	"context"
	"encoding/json"
	"fmt"

	"abuse-guard/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	Produce(ctx context.Context, messages ...kafka.Message) error
}

// KafkaSink publishes each event as JSON keyed by identity hash, so events for
// one identity stay on one partition.
type KafkaSink struct {
	producer MessageProducer
}

func NewKafkaSink(producer MessageProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msg, err := kafkaMessage(e)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	return s.producer.Produce(ctx, messages...)
}

func kafkaMessage(e models.SecurityEvent) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode security event %s: %w", e.EventID, err)
	}
	return kafka.Message{
		Key:   []byte(e.IdentityHash),
		Value: value,
		Time:  e.EventTime,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_id", Value: []byte(e.EventID)},
		},
	}, nil
}

// BulkIndexer is satisfied by client.ESClient.
type BulkIndexer interface {
	BulkIndex(ctx context.Context, docs map[string]interface{}) error
}

// ElasticsearchSink indexes events with the event id as document id, so a
// retried batch overwrites rather than duplicates.
type ElasticsearchSink struct {
	indexer BulkIndexer
}

func NewElasticsearchSink(indexer BulkIndexer) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	docs := make(map[string]interface{}, len(events))
	for _, e := range events {
		docs[e.EventID] = e
	}
	return s.indexer.BulkIndex(ctx, docs)
}

const CreateSecurityEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_id           String,
    event_bucket       Int32,
    event_date         Date,
    event_time         DateTime64(3, 'UTC'),
    event_type         LowCardinality(String),
    action             LowCardinality(String),
    identity_hash      String,
    identity_encrypted String,
    identity_key_id    String,
    identity_dek       String,
    attempts           Int32,
    blocked_until      Nullable(DateTime64(3, 'UTC')),
    details            String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_date, identity_hash, event_time)`

const insertSecurityEvents = `INSERT INTO security_events (
    event_id, event_bucket, event_date, event_time, event_type, action,
    identity_hash, identity_encrypted, identity_key_id, identity_dek,
    attempts, blocked_until, details)`

// BatchWriter is satisfied by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink appends events to the security_events analytics table.
type ClickHouseSink struct {
	writer BatchWriter
}

func NewClickHouseSink(writer BatchWriter) *ClickHouseSink {
	return &ClickHouseSink{writer: writer}
}

// EnsureTable creates the security_events table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.writer.Exec(ctx, CreateSecurityEventsTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, clickhouseRow(e))
	}
	return s.writer.BatchInsert(ctx, insertSecurityEvents, rows)
}

func clickhouseRow(e models.SecurityEvent) []interface{} {
	return []interface{}{
		e.EventID,
		int32(e.EventBucket),
		e.EventTime,
		e.EventTime,
		e.EventType,
		e.Action,
		e.IdentityHash,
		e.IdentityEncrypted,
		e.IdentityKeyID,
		e.IdentityDEK,
		int32(e.Attempts),
		e.BlockedUntil,
		e.Details,
	}
}
