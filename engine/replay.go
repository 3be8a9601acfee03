package engine

import (
	"encoding/json"
	"fmt"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/netmodel"
	"github.com/wfnet/wfnet/utils/uuid"
)

// replayCase folds an ordered event log back into a runner. The fold
// applies exactly the transitions the events record: token consumption
// and production come from the event payloads, never from re-evaluating
// predicates, so replay is deterministic regardless of how the net's
// data-dependent splits would evaluate today.
func replayCase(specs func(id string) *netmodel.Net, events []*storage.Event, ider uuid.IDer) (*runner, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty event log", ErrInvariantViolation)
	}
	first := events[0]
	if first.Kind != storage.EventCaseLaunched {
		return nil, fmt.Errorf("%w: case %s: log starts with %s, not %s",
			ErrInvariantViolation, first.CaseID, first.Kind, storage.EventCaseLaunched)
	}
	var launched storage.CaseLaunchedPayload
	if err := json.Unmarshal(first.Payload, &launched); err != nil {
		return nil, fmt.Errorf("%w: case %s: decoding launch payload: %v", ErrInvariantViolation, first.CaseID, err)
	}
	net := specs(launched.SpecID)
	if net == nil {
		return nil, fmt.Errorf("%w: %s (case %s)", ErrSpecificationNotFound, launched.SpecID, first.CaseID)
	}

	r := newRunner(first.CaseID, launched.SpecID, launched.ParentCaseID, net, copyData(launched.Data), ider, first.At)
	for i, e := range events {
		if e.Seq != uint64(i)+first.Seq {
			return nil, fmt.Errorf("%w: case %s: event sequence gap at %d", ErrInvariantViolation, r.caseID, e.Seq)
		}
		if err := r.apply(e); err != nil {
			return nil, err
		}
	}
	r.seq = events[len(events)-1].Seq
	return r, nil
}

// apply folds one event into the runner state.
func (r *runner) apply(e *storage.Event) error {
	badItem := func() error {
		return fmt.Errorf("%w: case %s: event %d references unknown work item %s",
			ErrInvariantViolation, r.caseID, e.Seq, e.WorkItemID)
	}
	switch e.Kind {
	case storage.EventCaseLaunched:
		// initial state is established by newRunner

	case storage.EventTaskFired:
		var p storage.TaskFiredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: case %s: decoding task.fired payload: %v", ErrInvariantViolation, r.caseID, err)
		}
		for cond, n := range p.Consumed {
			if err := r.marking.Consume(cond, n); err != nil {
				return err
			}
		}
		snapshot := copyData(r.data)
		for _, id := range p.Items {
			r.items[id] = &WorkItem{
				ID:      id,
				CaseID:  r.caseID,
				TaskID:  e.TaskID,
				GroupID: p.GroupID,
				Status:  ItemFired,
				Data:    snapshot,
				History: []ItemTransition{{Status: ItemFired, At: e.At}},
			}
		}
		r.groups[p.GroupID] = &siblingGroup{
			TaskID:    e.TaskID,
			Items:     p.Items,
			Threshold: p.Threshold,
		}
		r.marking.Tasks[e.TaskID] = TaskBusy

	case storage.EventItemStarted:
		item, ok := r.items[e.WorkItemID]
		if !ok {
			return badItem()
		}
		item.transition(ItemExecuting, e.At)

	case storage.EventItemCompleted:
		item, ok := r.items[e.WorkItemID]
		if !ok {
			return badItem()
		}
		var p storage.ItemCompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: case %s: decoding item.completed payload: %v", ErrInvariantViolation, r.caseID, err)
		}
		item.transition(ItemComplete, e.At)
		item.Output = p.Output
		r.data = mergeData(r.data, p.Output)
		g := r.groups[item.GroupID]
		if g == nil {
			return fmt.Errorf("%w: case %s: work item %s has no sibling group",
				ErrInvariantViolation, r.caseID, item.ID)
		}
		g.Completed++
		if p.Produced != nil {
			g.Resolved = true
			for cond, n := range p.Produced {
				r.marking.Produce(cond, n)
			}
			r.marking.Tasks[g.TaskID] = TaskDisabled
		}

	case storage.EventItemCancelled, storage.EventItemFailed:
		item, ok := r.items[e.WorkItemID]
		if !ok {
			return badItem()
		}
		status := ItemCancelled
		if e.Kind == storage.EventItemFailed {
			status = ItemFailed
		}
		item.transition(status, e.At)
		if g := r.groups[item.GroupID]; g != nil && !g.Resolved && !r.groupHasLiveItems(g) {
			g.Resolved = true
			r.marking.Tasks[g.TaskID] = TaskDisabled
		}

	case storage.EventItemSuspended:
		item, ok := r.items[e.WorkItemID]
		if !ok {
			return badItem()
		}
		item.transition(ItemSuspended, e.At)

	case storage.EventItemResumed:
		item, ok := r.items[e.WorkItemID]
		if !ok {
			return badItem()
		}
		item.transition(ItemExecuting, e.At)

	case storage.EventCaseCompleted:
		r.status = CaseComplete
		r.terminalAt = e.At

	case storage.EventCaseCancelled:
		r.marking.Clear()
		r.status = CaseCancelled
		r.terminalAt = e.At

	case storage.EventCaseFailed:
		r.status = CaseFailed
		r.terminalAt = e.At

	default:
		return fmt.Errorf("%w: case %s: unknown event kind %s", ErrInvariantViolation, r.caseID, e.Kind)
	}
	return nil
}

// caseSnapshot is the canonical serializable view of a runner's state.
// Two runners that went through the same transitions serialize to equal
// snapshots; transient identifiers like event ULIDs are excluded.
type caseSnapshot struct {
	CaseID   string                   `json:"case_id"`
	SpecID   string                   `json:"spec_id"`
	ParentID string                   `json:"parent_id,omitempty"`
	Status   CaseStatus               `json:"status"`
	Seq      uint64                   `json:"seq"`
	Marking  *Marking                 `json:"marking"`
	Items    []*WorkItem              `json:"items"`
	Groups   map[string]*siblingGroup `json:"groups"`
	Data     map[string]interface{}   `json:"data"`
}

// snapshot serializes the runner state canonically, with items in
// creation order. Callers must hold r.mu.
func (r *runner) snapshot() ([]byte, error) {
	items := make([]*WorkItem, 0, len(r.items))
	for _, id := range r.itemIDsInOrder() {
		items = append(items, r.items[id])
	}
	return json.MarshalIndent(&caseSnapshot{
		CaseID:   r.caseID,
		SpecID:   r.specID,
		ParentID: r.parentID,
		Status:   r.status,
		Seq:      r.seq,
		Marking:  r.marking,
		Items:    items,
		Groups:   r.groups,
		Data:     r.data,
	}, "", "  ")
}
