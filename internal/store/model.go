package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DevoteMe/webhookd/internal/event"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in_flight"
	JobSucceeded JobStatus = "succeeded"
	JobExhausted JobStatus = "failed_exhausted"
)

// Job is one unit of deferred work for a recorded event. Attempt counts
// leases handed out so far; a job with Attempt == MaxAttempts is never leased
// again.
type Job struct {
	ID             int64
	Queue          string
	Provider       event.Provider
	EventID        uuid.UUID
	Payload        []byte
	Attempt        int
	MaxAttempts    int
	Status         JobStatus
	DeliverAfter   time.Time
	LeaseExpiresAt *time.Time
	LeaseOwner     *string
	LastError      *string
	FirstFailedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// NewJob builds the pending job for ev. The payload is the full normalized
// event so the worker does not need to read the audit table.
func NewJob(id int64, ev *event.InboundEvent, maxAttempts int, now time.Time) (*Job, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return &Job{
		ID:           id,
		Queue:        ev.Provider.QueueName(),
		Provider:     ev.Provider,
		EventID:      ev.ID,
		Payload:      payload,
		MaxAttempts:  maxAttempts,
		Status:       JobPending,
		DeliverAfter: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (j *Job) Event() (*event.InboundEvent, error) {
	var ev event.InboundEvent
	if err := json.Unmarshal(j.Payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal job %d payload: %w", j.ID, err)
	}
	return &ev, nil
}

// Final reports whether this lease is the job's last allowed attempt.
func (j *Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

type RecordStatus int

const (
	Accepted RecordStatus = iota + 1
	DuplicateIgnored
)

func (s RecordStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case DuplicateIgnored:
		return "duplicate_ignored"
	default:
		return "unknown"
	}
}

// RecordResult carries the outcome of an idempotent insert. EventID is the id
// of the stored record: the new one when accepted, the original otherwise.
type RecordResult struct {
	Status  RecordStatus
	EventID uuid.UUID
}

type AuditRecord struct {
	event.InboundEvent
	Outcome        event.Outcome `json:"outcome"`
	OutcomeDetail  string        `json:"outcome_detail,omitempty"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	DuplicateCount int           `json:"duplicate_count"`
}
