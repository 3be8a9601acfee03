// Package storage defines types and primitives for the engine's
// append-only event log backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind is the transition a log event records.
type EventKind string

const (
	EventCaseLaunched  EventKind = "case.launched"
	EventCaseCompleted EventKind = "case.completed"
	EventCaseCancelled EventKind = "case.cancelled"
	EventCaseFailed    EventKind = "case.failed"

	// EventTaskFired records one firing of a task: the tokens consumed
	// from its input conditions and the work item sibling group created.
	EventTaskFired EventKind = "task.fired"

	EventItemStarted   EventKind = "item.started"
	EventItemCompleted EventKind = "item.completed"
	EventItemCancelled EventKind = "item.cancelled"
	EventItemFailed    EventKind = "item.failed"
	EventItemSuspended EventKind = "item.suspended"
	EventItemResumed   EventKind = "item.resumed"
)

// Event is one immutable record of a case state transition.
// Events for a case are strictly ordered by Seq, which matches the order
// the owning runner applied the transitions. Events are never edited,
// reordered, or deleted.
type Event struct {
	// ID is a unique, lexically sortable event identifier (a ULID).
	ID string `json:"id"`

	CaseID string `json:"case_id"`

	// Seq is the per-case sequence number, monotonic from 1.
	Seq uint64 `json:"seq"`

	Kind EventKind `json:"kind"`

	TaskID     string `json:"task_id,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`

	At time.Time `json:"at"`

	// Payload is the kind-specific JSON document; see the payload types
	// below.
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrEmptyEvent        = errors.New("empty event")
	ErrMissingEventID    = errors.New("missing event ID")
	ErrMissingCaseID     = errors.New("missing case ID")
	ErrMissingEventKind  = errors.New("missing event kind")
	ErrZeroSequence      = errors.New("event sequence must start at 1")
	ErrOutOfOrderEvent   = errors.New("out of order event sequence")
	ErrNoSuchCase        = errors.New("no events for case")
)

// Validate checks for missing values.
func (e *Event) Validate() error {
	if e == nil {
		return ErrEmptyEvent
	}
	if e.ID == "" {
		return ErrMissingEventID
	}
	if e.CaseID == "" {
		return ErrMissingCaseID
	}
	if e.Kind == "" {
		return ErrMissingEventKind
	}
	if e.Seq < 1 {
		return ErrZeroSequence
	}
	return nil
}

// CaseLaunchedPayload is the payload of an EventCaseLaunched event.
type CaseLaunchedPayload struct {
	SpecID       string                 `json:"spec_id"`
	ParentCaseID string                 `json:"parent_case_id,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// TaskFiredPayload is the payload of an EventTaskFired event.
type TaskFiredPayload struct {
	// Consumed maps input condition IDs to token counts removed.
	Consumed map[string]int `json:"consumed"`

	// Items are the work item IDs of the sibling group, in creation order.
	Items []string `json:"items"`

	// GroupID identifies the sibling group.
	GroupID string `json:"group_id"`

	// Threshold is the group completion threshold fixed at firing time.
	Threshold int `json:"threshold"`
}

// ItemCompletedPayload is the payload of an EventItemCompleted event.
type ItemCompletedPayload struct {
	Output map[string]interface{} `json:"output,omitempty"`

	// Produced maps output condition IDs to token counts added. Only set
	// on the completion that met the sibling group's threshold.
	Produced map[string]int `json:"produced,omitempty"`
}

// EventStore is a durable append-only sink and source for case events.
type EventStore interface {
	// AppendEvents durably appends events in order.
	// Events must arrive in per-case sequence order; a gap or repeat in
	// Seq is rejected with ErrOutOfOrderEvent. Append failures are fatal
	// for the append only: the in-memory transition that produced the
	// events is not rolled back by the caller.
	AppendEvents(ctx context.Context, events []*Event) error

	// RetrieveEvents returns the events for a case with Seq >= fromSeq in
	// sequence order. A fromSeq of 0 or 1 reads from the beginning; the
	// fromSeq parameter makes the read restartable. ErrNoSuchCase is
	// returned for an unknown case.
	RetrieveEvents(ctx context.Context, caseID string, fromSeq uint64) ([]*Event, error)

	// RetrieveCaseIDs returns the IDs of all cases with logged events.
	RetrieveCaseIDs(ctx context.Context) ([]string, error)
}

// MarshalPayload encodes a payload document for an event.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}
	return b, nil
}

// UnmarshalPayload decodes an event's payload document.
func UnmarshalPayload(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshaling event payload: %w", err)
	}
	return nil
}
