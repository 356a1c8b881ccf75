package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"mediconnect-auth/internal/client"
	"mediconnect-auth/internal/models"
)

const clickhouseInsert = `INSERT INTO audit_records
	(id, bucket, account_id, action, ip_address, user_agent,
	 request_method, request_path, session_id, details,
	 is_suspicious, risk_level, timestamp)`

// ClickHouseSink is the long-term audit store; the table carries a
// two-year TTL so retention is enforced by the database.
type ClickHouseSink struct {
	ch *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) *ClickHouseSink {
	return &ClickHouseSink{ch: ch}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, rec *models.AuditRecord) error {
	row := []interface{}{
		rec.ID, rec.Bucket, rec.AccountID, string(rec.Action),
		rec.IPAddress, rec.UserAgent,
		rec.RequestMethod, rec.RequestPath, rec.SessionID, rec.Details,
		rec.IsSuspicious, string(rec.RiskLevel), rec.Timestamp,
	}
	if err := s.ch.BatchInsert(ctx, clickhouseInsert, [][]interface{}{row}); err != nil {
		return fmt.Errorf("clickhouse audit insert failed: %w", err)
	}
	return nil
}

// KafkaSink publishes each record to the security-events topic for
// downstream consumers (alerting, SIEM).
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec *models.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	headers := map[string]string{
		"action":     string(rec.Action),
		"risk_level": string(rec.RiskLevel),
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(rec.AccountID), payload, headers)
}

// ElasticsearchSink indexes records for forensic search.
type ElasticsearchSink struct {
	es    *client.ESClient
	index string
}

func NewElasticsearchSink(es *client.ESClient, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, rec *models.AuditRecord) error {
	res, err := s.es.IndexDocument(s.index, rec.ID, rec)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch rejected audit record: %s", res.Status())
	}
	return nil
}
