package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/engine/storage/inmem"
	"github.com/wfnet/wfnet/netmodel"
)

// runReplay folds a case's log back through the engine's spec registry.
func runReplay(t *testing.T, e *Engine, caseID string) *runner {
	t.Helper()
	events, err := e.store.RetrieveEvents(context.Background(), caseID, 0)
	if err != nil {
		t.Fatal(err)
	}
	r, err := replayCase(func(id string) *netmodel.Net { return e.specs[id] }, events, e.ider)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// assertReplayMatches compares the live runner's state against a fold of
// its own event log.
func assertReplayMatches(t *testing.T, e *Engine, caseID string) {
	t.Helper()
	e.casesMu.RLock()
	live := e.cases[caseID]
	e.casesMu.RUnlock()
	if live == nil {
		t.Fatalf("case %s not in memory", caseID)
	}

	replayed := runReplay(t, e, caseID)

	live.mu.Lock()
	liveSnap, err := live.snapshot()
	live.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	replaySnap, err := replayed.snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(liveSnap, replaySnap) {
		t.Fatalf("replayed state diverges from live state:\nlive:\n%s\nreplayed:\n%s", liveSnap, replaySnap)
	}
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, choiceNet, multiInstanceNet)

	t.Run("mid_flight", func(t *testing.T) {
		caseID, err := e.LaunchCase(ctx, "choice", map[string]interface{}{"who": "bob"})
		if err != nil {
			t.Fatal(err)
		}
		performTask(t, e, caseID, "A", map[string]interface{}{"amount": 500})
		assertReplayMatches(t, e, caseID)
	})

	t.Run("complete", func(t *testing.T) {
		caseID, err := e.LaunchCase(ctx, "choice", nil)
		if err != nil {
			t.Fatal(err)
		}
		performTask(t, e, caseID, "A", map[string]interface{}{"amount": 2500})
		performTask(t, e, caseID, "C", nil)
		performTask(t, e, caseID, "Done", nil)
		assertReplayMatches(t, e, caseID)
	})

	t.Run("sibling_group", func(t *testing.T) {
		caseID, err := e.LaunchCase(ctx, "multi", nil)
		if err != nil {
			t.Fatal(err)
		}
		reviews := firedItems(t, e, caseID)["Review"]
		for _, id := range reviews[:2] {
			if _, err := e.CheckoutWorkItem(ctx, id); err != nil {
				t.Fatal(err)
			}
			if err := e.CheckinWorkItem(ctx, id, nil); err != nil {
				t.Fatal(err)
			}
		}
		assertReplayMatches(t, e, caseID)
	})

	t.Run("cancelled", func(t *testing.T) {
		caseID, err := e.LaunchCase(ctx, "multi", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := e.CancelCase(ctx, caseID); err != nil {
			t.Fatal(err)
		}
		assertReplayMatches(t, e, caseID)
	})
}

func TestReplayRejectsBadLog(t *testing.T) {
	e := newTestEngine(t, sequentialNet)
	lookup := func(id string) *netmodel.Net { return e.specs[id] }

	if _, err := replayCase(lookup, nil, e.ider); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected %v for empty log, got %v", ErrInvariantViolation, err)
	}

	notLaunch := []*storage.Event{{
		ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", CaseID: "c1", Seq: 1,
		Kind: storage.EventItemStarted,
	}}
	if _, err := replayCase(lookup, notLaunch, e.ider); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected %v for log not starting at launch, got %v", ErrInvariantViolation, err)
	}

	launch, err := storage.MarshalPayload(&storage.CaseLaunchedPayload{SpecID: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	unknownSpec := []*storage.Event{{
		ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", CaseID: "c1", Seq: 1,
		Kind: storage.EventCaseLaunched, Payload: launch,
	}}
	if _, err := replayCase(lookup, unknownSpec, e.ider); !errors.Is(err, ErrSpecificationNotFound) {
		t.Fatalf("expected %v, got %v", ErrSpecificationNotFound, err)
	}
}

func TestEngineRecover(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	e1 := New(store)
	for _, doc := range []string{sequentialNet, parallelNet} {
		if err := e1.RegisterSpecification(ctx, testNet(t, doc)); err != nil {
			t.Fatal(err)
		}
	}

	doneID, err := e1.LaunchCase(ctx, "sequential", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range []string{"A", "B", "C"} {
		performTask(t, e1, doneID, task, nil)
	}

	liveID, err := e1.LaunchCase(ctx, "parallel", map[string]interface{}{"who": "carol"})
	if err != nil {
		t.Fatal(err)
	}
	performTask(t, e1, liveID, "A", nil)
	performTask(t, e1, liveID, "B", nil)

	// a fresh engine over the same log and specs picks up where e1 left
	// off
	e2 := New(store)
	for _, doc := range []string{sequentialNet, parallelNet} {
		if err := e2.RegisterSpecification(ctx, testNet(t, doc)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e2.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	// terminal cases are replayable but not re-registered
	if _, err := e2.CaseStatus(ctx, doneID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected terminal case not registered, got %v", err)
	}

	assertCaseStatus(t, e2, liveID, CaseRunning)
	s, err := e2.CaseStatus(ctx, liveID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Data["who"] != "carol" {
		t.Fatalf("recovered case data lost: %v", s.Data)
	}

	// the recovered case continues to proper completion
	performTask(t, e2, liveID, "C", nil)
	performTask(t, e2, liveID, "D", nil)
	assertCaseStatus(t, e2, liveID, CaseComplete)
}
