// Package test contains a conformance test suite for event log backends.
package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wfnet/wfnet/engine/storage"

	"github.com/oklog/ulid/v2"
)

func newEvent(caseID string, seq uint64, kind storage.EventKind) *storage.Event {
	return &storage.Event{
		ID:      ulid.Make().String(),
		CaseID:  caseID,
		Seq:     seq,
		Kind:    kind,
		At:      time.Now().UTC().Truncate(time.Microsecond),
		Payload: []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
	}
}

// TestEventStorage runs the conformance suite against an event log backend.
func TestEventStorage(t *testing.T, newStorage func() storage.EventStore) {
	t.Run("append_retrieve", func(t *testing.T) {
		testAppendRetrieve(t, newStorage())
	})
	t.Run("restartable", func(t *testing.T) {
		testRestartable(t, newStorage())
	})
	t.Run("ordering_enforced", func(t *testing.T) {
		testOrderingEnforced(t, newStorage())
	})
	t.Run("case_isolation", func(t *testing.T) {
		testCaseIsolation(t, newStorage())
	})
	t.Run("validation", func(t *testing.T) {
		testValidation(t, newStorage())
	})
}

func testAppendRetrieve(t *testing.T, s storage.EventStore) {
	ctx := context.Background()

	if _, err := s.RetrieveEvents(ctx, "nope", 0); !errors.Is(err, storage.ErrNoSuchCase) {
		t.Errorf("unknown case: want ErrNoSuchCase, got %v", err)
	}

	events := []*storage.Event{
		newEvent("case-1", 1, storage.EventCaseLaunched),
		newEvent("case-1", 2, storage.EventTaskFired),
		newEvent("case-1", 3, storage.EventItemStarted),
	}
	events[1].TaskID = "task-a"
	events[2].WorkItemID = "item-1"
	if err := s.AppendEvents(ctx, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.RetrieveEvents(ctx, "case-1", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("retrieved %d events, want %d", len(got), len(events))
	}
	for i, e := range got {
		want := events[i]
		if e.Seq != want.Seq {
			t.Errorf("event %d: seq %d, want %d", i, e.Seq, want.Seq)
		}
		if e.ID != want.ID {
			t.Errorf("event %d: ID %q, want %q", i, e.ID, want.ID)
		}
		if e.Kind != want.Kind {
			t.Errorf("event %d: kind %q, want %q", i, e.Kind, want.Kind)
		}
		if e.TaskID != want.TaskID || e.WorkItemID != want.WorkItemID {
			t.Errorf("event %d: task/item %q/%q, want %q/%q",
				i, e.TaskID, e.WorkItemID, want.TaskID, want.WorkItemID)
		}
		if !e.At.UTC().Truncate(time.Microsecond).Equal(want.At) {
			t.Errorf("event %d: at %v, want %v", i, e.At, want.At)
		}
		if !bytes.Equal(e.Payload, want.Payload) {
			t.Errorf("event %d: payload %s, want %s", i, e.Payload, want.Payload)
		}
	}
}

func testRestartable(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-r", seq, storage.EventTaskFired)}); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	got, err := s.RetrieveEvents(ctx, "case-r", 3)
	if err != nil {
		t.Fatalf("retrieve from 3: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("retrieved %d events, want 3", len(got))
	}
	for i, e := range got {
		if want := uint64(3 + i); e.Seq != want {
			t.Errorf("event %d: seq %d, want %d", i, e.Seq, want)
		}
	}
	// restarting past the end is an empty read, not an error
	got, err = s.RetrieveEvents(ctx, "case-r", 6)
	if err != nil {
		t.Fatalf("retrieve from 6: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("retrieved %d events past end, want 0", len(got))
	}
}

func testOrderingEnforced(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-o", 2, storage.EventTaskFired)}); !errors.Is(err, storage.ErrOutOfOrderEvent) {
		t.Errorf("gap at start: want ErrOutOfOrderEvent, got %v", err)
	}
	if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-o", 1, storage.EventCaseLaunched)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-o", 1, storage.EventTaskFired)}); !errors.Is(err, storage.ErrOutOfOrderEvent) {
		t.Errorf("repeat: want ErrOutOfOrderEvent, got %v", err)
	}
	if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-o", 3, storage.EventTaskFired)}); !errors.Is(err, storage.ErrOutOfOrderEvent) {
		t.Errorf("gap: want ErrOutOfOrderEvent, got %v", err)
	}
	if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-o", 2, storage.EventTaskFired)}); err != nil {
		t.Errorf("in-order append after rejections: %v", err)
	}
}

func testCaseIsolation(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	// interleave appends across two cases
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-a", seq, storage.EventTaskFired)}); err != nil {
			t.Fatalf("case-a seq %d: %v", seq, err)
		}
		if err := s.AppendEvents(ctx, []*storage.Event{newEvent("case-b", seq, storage.EventTaskFired)}); err != nil {
			t.Fatalf("case-b seq %d: %v", seq, err)
		}
	}
	for _, caseID := range []string{"case-a", "case-b"} {
		got, err := s.RetrieveEvents(ctx, caseID, 0)
		if err != nil {
			t.Fatalf("retrieve %s: %v", caseID, err)
		}
		if len(got) != 3 {
			t.Errorf("%s: retrieved %d events, want 3", caseID, len(got))
		}
		for i, e := range got {
			if e.CaseID != caseID {
				t.Errorf("%s event %d: case ID %q", caseID, i, e.CaseID)
			}
		}
	}

	ids, err := s.RetrieveCaseIDs(ctx)
	if err != nil {
		t.Fatalf("retrieve case IDs: %v", err)
	}
	found := make(map[string]bool)
	for _, id := range ids {
		found[id] = true
	}
	if !found["case-a"] || !found["case-b"] {
		t.Errorf("case IDs missing: got %v", ids)
	}
}

func testValidation(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	for _, tc := range []struct {
		name  string
		event *storage.Event
		want  error
	}{
		{"nil", nil, storage.ErrEmptyEvent},
		{"no_id", &storage.Event{CaseID: "c", Seq: 1, Kind: storage.EventTaskFired}, storage.ErrMissingEventID},
		{"no_case", &storage.Event{ID: "x", Seq: 1, Kind: storage.EventTaskFired}, storage.ErrMissingCaseID},
		{"no_kind", &storage.Event{ID: "x", CaseID: "c", Seq: 1}, storage.ErrMissingEventKind},
		{"zero_seq", &storage.Event{ID: "x", CaseID: "c", Kind: storage.EventTaskFired}, storage.ErrZeroSequence},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.AppendEvents(ctx, []*storage.Event{tc.event}); !errors.Is(err, tc.want) {
				t.Errorf("want %v, got %v", tc.want, err)
			}
		})
	}
}
