package engine

import (
	"context"
	"testing"
)

// orJoinNet routes one or both branches depending on x, with an OR-join
// merging them: to db always when x >= 1, to dc additionally when x >= 2.
const orJoinNet = `
id: orjoin
source: start
sink: end
conditions:
  - id: start
  - id: cb
  - id: cc
  - id: db
  - id: dc
  - id: end
tasks:
  - id: A
    split: or
    inputs: [start]
    outputs:
      - to: cb
        predicate: {var: x, op: ge, value: 1}
      - to: cc
        predicate: {var: x, op: ge, value: 2}
  - id: B
    inputs: [cb]
    outputs: [{to: db}]
  - id: C
    inputs: [cc]
    outputs: [{to: dc}]
  - id: D
    join: or
    inputs: [db, dc]
    outputs: [{to: end}]
`

func TestORJoinWaitsForInFlightBranch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, orJoinNet)

	caseID, err := e.LaunchCase(ctx, "orjoin", nil)
	if err != nil {
		t.Fatal(err)
	}
	performTask(t, e, caseID, "A", map[string]interface{}{"x": 2})

	// both branches active
	items := firedItems(t, e, caseID)
	if len(items["B"]) != 1 || len(items["C"]) != 1 {
		t.Fatalf("expected B and C fired, got %v", items)
	}

	performTask(t, e, caseID, "B", nil)

	// a token sits on db, but dc can still receive one from the busy C
	// branch: the OR-join must wait
	if items := firedItems(t, e, caseID); len(items["D"]) != 0 {
		t.Fatal("OR-join fired while a branch was in flight")
	}

	performTask(t, e, caseID, "C", nil)
	joins := firedItems(t, e, caseID)["D"]
	if len(joins) != 1 {
		t.Fatal("OR-join did not fire after all branches completed")
	}

	// the join consumed every marked input in one firing
	s, err := e.CaseStatus(ctx, caseID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Tokens["db"] != 0 || s.Tokens["dc"] != 0 {
		t.Fatalf("join left input tokens behind: %v", s.Tokens)
	}

	performTask(t, e, caseID, "D", nil)
	assertCaseStatus(t, e, caseID, CaseComplete)
}

func TestORJoinFiresWithSingleBranch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, orJoinNet)

	caseID, err := e.LaunchCase(ctx, "orjoin", nil)
	if err != nil {
		t.Fatal(err)
	}
	performTask(t, e, caseID, "A", map[string]interface{}{"x": 1})

	// only the B branch was routed
	items := firedItems(t, e, caseID)
	if len(items["B"]) != 1 || len(items["C"]) != 0 {
		t.Fatalf("expected only B fired, got %v", items)
	}

	performTask(t, e, caseID, "B", nil)

	// no token can ever reach dc: the join fires with one input
	if items := firedItems(t, e, caseID); len(items["D"]) != 1 {
		t.Fatal("OR-join did not fire with its only reachable input marked")
	}

	performTask(t, e, caseID, "D", nil)
	assertCaseStatus(t, e, caseID, CaseComplete)
}

func TestORJoinAbandonedBranchUnblocks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, orJoinNet)

	caseID, err := e.LaunchCase(ctx, "orjoin", nil)
	if err != nil {
		t.Fatal(err)
	}
	performTask(t, e, caseID, "A", map[string]interface{}{"x": 2})
	performTask(t, e, caseID, "B", nil)

	// cancelling the in-flight C branch frees the join
	itemC := firedItems(t, e, caseID)["C"][0]
	if err := e.CancelWorkItem(ctx, itemC); err != nil {
		t.Fatal(err)
	}
	if items := firedItems(t, e, caseID); len(items["D"]) != 1 {
		t.Fatal("OR-join did not fire after the pending branch was abandoned")
	}

	performTask(t, e, caseID, "D", nil)
	assertCaseStatus(t, e, caseID, CaseComplete)
}
