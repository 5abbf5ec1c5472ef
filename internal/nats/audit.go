package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/coachhub/chat-realtime/internal/model"
)

const (
	// AuditStreamName is the name of the message audit stream.
	AuditStreamName = "CHAT_AUDIT"

	// AuditSubjectPrefix is the prefix for all audit subjects.
	AuditSubjectPrefix = "audit"
)

// AuditStream records every message mutation, including the content a
// delete or edit replaced, in a JetStream stream that denies deletes.
type AuditStream struct {
	client *Client
}

// NewAuditStream creates an audit stream manager.
func NewAuditStream(client *Client) *AuditStream {
	return &AuditStream{client: client}
}

// EnsureStream creates the audit stream if it does not exist.
func (a *AuditStream) EnsureStream(ctx context.Context) error {
	js := a.client.JetStream()

	if _, err := js.Stream(ctx, AuditStreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        AuditStreamName,
		Subjects:    []string{AuditSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Chat message create, edit and delete history",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// AuditSubject returns the subject for one operation on a conversation.
func AuditSubject(conversationID, op string) string {
	return fmt.Sprintf("%s.%s.%s", AuditSubjectPrefix, sanitizeToken(conversationID), op)
}

// ConversationAuditFilter matches every audit record of a conversation.
func ConversationAuditFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", AuditSubjectPrefix, sanitizeToken(conversationID))
}

// PublishAudit appends a record and returns its stream sequence.
func (a *AuditStream) PublishAudit(ctx context.Context, rec *model.AuditRecord) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit record: %w", err)
	}

	ack, err := a.client.JetStream().Publish(ctx, AuditSubject(rec.Message.ConversationID, rec.Op), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish audit record: %w", err)
	}
	return ack.Sequence, nil
}

// GetAudit reads up to limit records of a conversation after a stream sequence.
func (a *AuditStream) GetAudit(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.AuditRecord, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationAuditFilter(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := a.client.JetStream().OrderedConsumer(ctx, AuditStreamName, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch audit records: %w", err)
	}

	records := make([]model.AuditRecord, 0, limit)
	for msg := range batch.Messages() {
		var rec model.AuditRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			rec.Sequence = meta.Sequence.Stream
		}
		records = append(records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, false, fmt.Errorf("batch error: %w", err)
	}

	return records, len(records) == limit, nil
}
