package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
)

// RecordIfNew writes the audit record for ev unless one with the same
// (provider, external id) exists. A conflict is reported as DuplicateIgnored
// and logged in webhook_duplicates; it is never an error.
func (s *Store) RecordIfNew(ctx context.Context, ev *event.InboundEvent) (RecordResult, error) {
	return s.RecordAndEnqueue(ctx, ev, nil)
}

// RecordAndEnqueue writes the audit record and, when job is non-nil, its
// queue job in one transaction. A duplicate delivery never creates a job.
// A nil job records the event with outcome ignored.
func (s *Store) RecordAndEnqueue(ctx context.Context, ev *event.InboundEvent, job *Job) (RecordResult, error) {
	db, err := s.dbFor(ev.Provider)
	if err != nil {
		return RecordResult{}, err
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return RecordResult{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	outcome := event.OutcomePending
	if job == nil {
		outcome = event.OutcomeIgnored
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, external_event_id, derived_id, event_type, received_at,
			raw_payload, metadata, remote_addr, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, external_event_id) DO NOTHING
	`, ev.ID, ev.Provider, ev.ExternalEventID, ev.DerivedID, ev.EventType, ev.ReceivedAt.UTC(),
		ev.RawPayload, string(meta), ev.RemoteAddr, outcome)
	if err != nil {
		return RecordResult{}, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RecordResult{}, fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		var original uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM webhook_events WHERE provider = $1 AND external_event_id = $2
		`, ev.Provider, ev.ExternalEventID).Scan(&original)
		if err != nil {
			return RecordResult{}, fmt.Errorf("lookup original event: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO webhook_duplicates (event_id, provider, external_event_id, received_at, remote_addr)
			VALUES ($1, $2, $3, $4, $5)
		`, original, ev.Provider, ev.ExternalEventID, ev.ReceivedAt.UTC(), ev.RemoteAddr)
		if err != nil {
			return RecordResult{}, fmt.Errorf("insert duplicate: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return RecordResult{}, fmt.Errorf("commit tx: %w", err)
		}
		return RecordResult{Status: DuplicateIgnored, EventID: original}, nil
	}

	if job != nil {
		job.EventID = ev.ID
		if err := insertJob(ctx, tx, job); err != nil {
			return RecordResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RecordResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return RecordResult{Status: Accepted, EventID: ev.ID}, nil
}

// MarkOutcome sets the processing outcome of an audit record. A record that
// already succeeded keeps its outcome.
func (s *Store) MarkOutcome(ctx context.Context, p event.Provider, eventID uuid.UUID, outcome event.Outcome, detail string) error {
	db, err := s.dbFor(p)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE webhook_events
		SET outcome = $1, outcome_detail = $2, processed_at = $3
		WHERE id = $4 AND outcome <> 'succeeded'
	`, outcome, truncate(detail, 1024), time.Now().UTC(), eventID)
	if err != nil {
		return fmt.Errorf("mark outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Outcome not updated", zap.String("event_id", eventID.String()), zap.String("outcome", string(outcome)))
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, p event.Provider, eventID uuid.UUID) (*AuditRecord, error) {
	db, err := s.dbFor(p)
	if err != nil {
		return nil, err
	}
	var (
		rec  AuditRecord
		meta []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT e.id, e.provider, e.external_event_id, e.derived_id, e.event_type, e.received_at, e.raw_payload,
			e.metadata, e.remote_addr, e.outcome, e.outcome_detail, e.processed_at, e.created_at,
			(SELECT COUNT(*) FROM webhook_duplicates d WHERE d.event_id = e.id)
		FROM webhook_events e
		WHERE e.id = $1 AND e.provider = $2
	`, eventID, p).Scan(&rec.ID, &rec.Provider, &rec.ExternalEventID, &rec.DerivedID, &rec.EventType, &rec.ReceivedAt,
		&rec.RawPayload, &meta, &rec.RemoteAddr, &rec.Outcome, &rec.OutcomeDetail, &rec.ProcessedAt, &rec.CreatedAt,
		&rec.DuplicateCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
