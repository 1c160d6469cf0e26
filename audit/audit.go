// Package audit records who changed what. Recording is best effort: a
// failure is logged and never surfaces to the business operation that
// produced the entry.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"esdispatch/db"
	"esdispatch/logger"
)

type Action string

const (
	ActionEnrollmentCreated   Action = "ENROLLMENT_CREATED"
	ActionOfferCreated        Action = "OFFER_CREATED"
	ActionOfferAccepted       Action = "OFFER_ACCEPTED"
	ActionOfferRejected       Action = "OFFER_REJECTED"
	ActionOfferExpired        Action = "OFFER_EXPIRED"
	ActionEnrollmentCompleted Action = "ENROLLMENT_COMPLETED"
	ActionAgentStatusChanged  Action = "AGENT_STATUS_CHANGED"
)

const (
	EntityEnrollment = "enrollment"
	EntityOffer      = "offer"
	EntityAgent      = "user"
)

// Entry is one audit_log row. ActorUserID is empty for system actions such
// as sweeper expiry.
type Entry struct {
	ActorUserID string
	Action      Action
	EntityType  string
	EntityID    string
	Before      any
	After       any
	Metadata    map[string]any
	At          time.Time
}

// Sink accepts entries after the owning transaction committed.
type Sink interface {
	Record(ctx context.Context, entries ...Entry)
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, ...Entry) {}

// BatchSender is satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGSink writes entries to audit_log in a single batch.
type PGSink struct {
	db  BatchSender
	log logger.Logger
}

func NewPGSink(db BatchSender, log logger.Logger) *PGSink {
	if log == nil {
		log = logger.Nop{}
	}
	return &PGSink{db: db, log: log}
}

const insertSQL = `
INSERT INTO audit_log (actor_user_id, action, entity_type, entity_id, before_state, after_state, metadata, created_at)
VALUES ((SELECT id FROM users WHERE id = $1::uuid), $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8)`

func (s *PGSink) Record(ctx context.Context, entries ...Entry) {
	if err := s.write(ctx, entries); err != nil {
		s.log.Errorf("audit: dropped %d entries: %v", len(entries), err)
	}
}

func (s *PGSink) write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		args, err := insertArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(insertSQL, args...)
	}

	br := s.db.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("audit: insert: %w", err)
		}
	}
	return br.Close()
}

func insertArgs(e Entry) ([]any, error) {
	before, err := marshalNullable(e.Before)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := marshalNullable(e.After)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal after: %w", err)
	}
	// actor_user_id takes only a UUID naming an existing user; any other
	// reference goes to metadata.actor_ref.
	var actor any
	metadata := e.Metadata
	if e.ActorUserID != "" {
		if id, ok := db.ParseID(e.ActorUserID); ok {
			actor = id
		} else {
			metadata = make(map[string]any, len(e.Metadata)+1)
			for k, v := range e.Metadata {
				metadata[k] = v
			}
			metadata["actor_ref"] = e.ActorUserID
		}
	}
	var meta []byte
	if len(metadata) > 0 {
		if meta, err = json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return []any{actor, string(e.Action), e.EntityType, e.EntityID, before, after, meta, at}, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
