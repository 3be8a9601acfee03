package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/netmodel"
	"github.com/wfnet/wfnet/utils/uuid"

	"github.com/oklog/ulid/v2"
)

// CaseStatus is the externally visible status of a case.
type CaseStatus string

const (
	CaseRunning   CaseStatus = "RUNNING"
	CaseComplete  CaseStatus = "COMPLETE"
	CaseCancelled CaseStatus = "CANCELLED"
	CaseFailed    CaseStatus = "FAILED"
)

// Terminal reports whether the status admits no further mutation.
func (s CaseStatus) Terminal() bool {
	return s != CaseRunning
}

// runner executes one case's marking and work item lifecycle against its
// net. All state behind mu is mutated only while holding it; the engine
// guarantees at most one mutating operation per case at a time by routing
// everything through mu.
//
// logMu serializes event log appends for the case in mutation order. It
// is acquired while mu is still held and released after the append, so
// the append happens outside the state lock without allowing a later
// mutation's events to reach the log first.
type runner struct {
	mu    sync.Mutex
	logMu sync.Mutex

	caseID   string
	specID   string
	parentID string
	net      *netmodel.Net
	ider     uuid.IDer

	marking *Marking
	items   map[string]*WorkItem
	groups  map[string]*siblingGroup
	data    map[string]interface{}

	status     CaseStatus
	seq        uint64
	createdAt  time.Time
	terminalAt time.Time
}

func newRunner(caseID, specID, parentID string, net *netmodel.Net, data map[string]interface{}, ider uuid.IDer, now time.Time) *runner {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &runner{
		caseID:    caseID,
		specID:    specID,
		parentID:  parentID,
		net:       net,
		ider:      ider,
		marking:   newMarking(net),
		items:     make(map[string]*WorkItem),
		groups:    make(map[string]*siblingGroup),
		data:      data,
		status:    CaseRunning,
		createdAt: now,
	}
}

// newEvent allocates the next event in the case's total order.
func (r *runner) newEvent(kind storage.EventKind, taskID, itemID string, payload json.RawMessage, now time.Time) *storage.Event {
	r.seq++
	return &storage.Event{
		ID:         ulid.Make().String(),
		CaseID:     r.caseID,
		Seq:        r.seq,
		Kind:       kind,
		TaskID:     taskID,
		WorkItemID: itemID,
		At:         now,
		Payload:    payload,
	}
}

// checkActive gates every mutating operation: terminal cases (including
// quarantined FAILED ones) admit no further mutation.
func (r *runner) checkActive() error {
	if r.status.Terminal() {
		return fmt.Errorf("%w: case %s is %s", ErrInvalidState, r.caseID, r.status)
	}
	return nil
}

// launch bootstraps the case: records the launch and fires the initial
// enabled tasks.
func (r *runner) launch(now time.Time) ([]*storage.Event, error) {
	payload, err := storage.MarshalPayload(&storage.CaseLaunchedPayload{
		SpecID:       r.specID,
		ParentCaseID: r.parentID,
		Data:         r.data,
	})
	if err != nil {
		return nil, err
	}
	evs := []*storage.Event{r.newEvent(storage.EventCaseLaunched, "", "", payload, now)}
	more, err := r.fireEnabledTasks(now)
	return append(evs, more...), err
}

// joinSatisfied evaluates the join condition of a task against the
// current marking.
func (r *runner) joinSatisfied(t *netmodel.Task) bool {
	switch t.Join {
	case netmodel.GateAND:
		for _, in := range t.Inputs {
			if r.marking.Tokens[in] == 0 {
				return false
			}
		}
		return true
	case netmodel.GateXOR, netmodel.GateNone:
		for _, in := range t.Inputs {
			if r.marking.Tokens[in] > 0 {
				return true
			}
		}
		return false
	case netmodel.GateOR:
		return r.orJoinEnabled(t)
	}
	return false
}

// joinConsumption returns the tokens one firing of t removes.
func (r *runner) joinConsumption(t *netmodel.Task) map[string]int {
	consumed := make(map[string]int)
	switch t.Join {
	case netmodel.GateAND:
		for _, in := range t.Inputs {
			consumed[in] = 1
		}
	case netmodel.GateXOR, netmodel.GateNone:
		for _, in := range t.Inputs {
			if r.marking.Tokens[in] > 0 {
				consumed[in] = 1
				break
			}
		}
	case netmodel.GateOR:
		for _, in := range t.Inputs {
			if r.marking.Tokens[in] > 0 {
				consumed[in] = 1
			}
		}
	}
	return consumed
}

// fireEnabledTasks scans all tasks, firing every one whose join condition
// is satisfied, and iterates to a fixed point: one firing can enable
// further tasks (or resolve an OR-join), so the scan repeats until no new
// task becomes enabled. All cascading firings within one external request
// are applied before control returns.
func (r *runner) fireEnabledTasks(now time.Time) ([]*storage.Event, error) {
	var evs []*storage.Event
	for {
		fired := false
		for i := range r.net.Tasks {
			t := &r.net.Tasks[i]
			if r.marking.Tasks[t.ID] == TaskBusy {
				continue
			}
			if !r.joinSatisfied(t) {
				continue
			}
			ev, err := r.fireTask(t, now)
			if err != nil {
				return append(evs, r.quarantine(err, now)...), err
			}
			evs = append(evs, ev)
			fired = true
		}
		if !fired {
			break
		}
	}
	return append(evs, r.completeIfDone(now)...), nil
}

// fireTask consumes the task's input tokens and creates its work item
// sibling group, as one atomic step.
func (r *runner) fireTask(t *netmodel.Task, now time.Time) (*storage.Event, error) {
	if r.marking.Tasks[t.ID] == TaskBusy {
		return nil, fmt.Errorf("%w: task %s fired while busy", ErrInvariantViolation, t.ID)
	}
	consumed := r.joinConsumption(t)
	for cond, n := range consumed {
		if err := r.marking.Consume(cond, n); err != nil {
			return nil, err
		}
	}

	count, threshold := t.Instances()
	g := &siblingGroup{TaskID: t.ID, Threshold: threshold}
	snapshot := copyData(r.data)
	for i := 0; i < count; i++ {
		item := &WorkItem{
			ID:      r.ider.ID(),
			CaseID:  r.caseID,
			TaskID:  t.ID,
			Status:  ItemFired,
			Data:    snapshot,
			History: []ItemTransition{{Status: ItemFired, At: now}},
		}
		r.items[item.ID] = item
		g.Items = append(g.Items, item.ID)
	}
	groupID := g.Items[0]
	for _, id := range g.Items {
		r.items[id].GroupID = groupID
	}
	r.groups[groupID] = g
	r.marking.Tasks[t.ID] = TaskBusy

	payload, err := storage.MarshalPayload(&storage.TaskFiredPayload{
		Consumed:  consumed,
		Items:     g.Items,
		GroupID:   groupID,
		Threshold: threshold,
	})
	if err != nil {
		return nil, err
	}
	return r.newEvent(storage.EventTaskFired, t.ID, "", payload, now), nil
}

// resolveSplit computes the output tokens for a completing task by
// exhaustive match over the closed gateway set, evaluated against the
// post-merge case data.
func resolveSplit(t *netmodel.Task, data map[string]interface{}) (map[string]int, error) {
	produced := make(map[string]int)
	switch t.Split {
	case netmodel.GateNone, netmodel.GateAND:
		// one token per output flow
		for _, f := range t.Outputs {
			produced[f.To]++
		}
	case netmodel.GateXOR:
		// first matching predicate wins; default if none
		var def string
		hasDefault := false
		for _, f := range t.Outputs {
			if f.Default {
				def, hasDefault = f.To, true
				continue
			}
			if f.Predicate == nil || f.Predicate.Eval(data) {
				produced[f.To]++
				return produced, nil
			}
		}
		if !hasDefault {
			return nil, fmt.Errorf("%w: task %s: no XOR branch matched and no default flow", ErrUnresolvedSplit, t.ID)
		}
		produced[def]++
	case netmodel.GateOR:
		var def string
		hasDefault := false
		for _, f := range t.Outputs {
			if f.Default {
				def, hasDefault = f.To, true
				continue
			}
			if f.Predicate == nil || f.Predicate.Eval(data) {
				produced[f.To]++
			}
		}
		if len(produced) == 0 {
			if !hasDefault {
				return nil, fmt.Errorf("%w: task %s: no OR branch matched and no default flow", ErrUnresolvedSplit, t.ID)
			}
			produced[def]++
		}
	default:
		return nil, fmt.Errorf("%w: task %s: unknown split type %q", ErrInvariantViolation, t.ID, t.Split)
	}
	return produced, nil
}

// startItem checks out a fired work item for execution.
func (r *runner) startItem(itemID string, now time.Time) (*ItemPayload, []*storage.Event, error) {
	if err := r.checkActive(); err != nil {
		return nil, nil, err
	}
	item, ok := r.items[itemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	if item.Status != ItemFired {
		return nil, nil, fmt.Errorf("%w: work item %s is %s, not %s", ErrInvalidState, itemID, item.Status, ItemFired)
	}
	item.transition(ItemExecuting, now)
	payload := &ItemPayload{
		ID:     item.ID,
		CaseID: r.caseID,
		TaskID: item.TaskID,
		Data:   copyData(item.Data),
	}
	return payload, []*storage.Event{r.newEvent(storage.EventItemStarted, item.TaskID, itemID, nil, now)}, nil
}

// completeItem checks in an executing work item with its output data.
// If this completion meets the sibling group's threshold the task
// produces its output tokens and the firing cascade runs to fixed point.
// An unresolved split rolls the whole step back: no status change, no
// data merge, no tokens.
func (r *runner) completeItem(itemID string, output map[string]interface{}, now time.Time) ([]*storage.Event, error) {
	if err := r.checkActive(); err != nil {
		return nil, err
	}
	item, ok := r.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	if item.Status != ItemExecuting {
		return nil, fmt.Errorf("%w: work item %s is %s, not %s", ErrInvalidState, itemID, item.Status, ItemExecuting)
	}
	g := r.groups[item.GroupID]
	if g == nil {
		return nil, fmt.Errorf("%w: work item %s has no sibling group", ErrInvariantViolation, itemID)
	}
	t := r.net.Task(item.TaskID)
	if t == nil {
		return nil, fmt.Errorf("%w: work item %s references unknown task %s", ErrInvariantViolation, itemID, item.TaskID)
	}

	// resolve the split before mutating anything so an unresolved split
	// leaves the case in its prior consistent state
	resolves := !g.Resolved && g.Completed+1 >= g.Threshold
	var produced map[string]int
	if resolves {
		var err error
		if produced, err = resolveSplit(t, mergeData(r.data, output)); err != nil {
			return nil, err
		}
	}

	item.transition(ItemComplete, now)
	item.Output = output
	r.data = mergeData(r.data, output)
	g.Completed++

	payload, err := storage.MarshalPayload(&storage.ItemCompletedPayload{
		Output:   output,
		Produced: produced,
	})
	if err != nil {
		return nil, err
	}
	evs := []*storage.Event{r.newEvent(storage.EventItemCompleted, t.ID, itemID, payload, now)}

	if !resolves {
		return evs, nil
	}

	g.Resolved = true
	// a met threshold cancels the remaining live siblings
	for _, sid := range g.Items {
		if sib := r.items[sid]; sib.live() {
			sib.transition(ItemCancelled, now)
			evs = append(evs, r.newEvent(storage.EventItemCancelled, t.ID, sid, nil, now))
		}
	}
	for cond, n := range produced {
		r.marking.Produce(cond, n)
	}
	r.marking.Tasks[t.ID] = TaskDisabled

	more, err := r.fireEnabledTasks(now)
	return append(evs, more...), err
}

// endItem applies a terminal transition (cancelled or failed) to a live
// work item without producing output tokens.
func (r *runner) endItem(itemID string, status ItemStatus, kind storage.EventKind, now time.Time) ([]*storage.Event, error) {
	if err := r.checkActive(); err != nil {
		return nil, err
	}
	item, ok := r.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	if !item.live() {
		return nil, fmt.Errorf("%w: work item %s is %s", ErrInvalidState, itemID, item.Status)
	}
	item.transition(status, now)
	evs := []*storage.Event{r.newEvent(kind, item.TaskID, itemID, nil, now)}

	// an abandoned group frees its task; that can resolve a downstream
	// OR-join waiting on the in-flight branch
	if g := r.groups[item.GroupID]; g != nil && !g.Resolved && !r.groupHasLiveItems(g) {
		g.Resolved = true
		r.marking.Tasks[g.TaskID] = TaskDisabled
		more, err := r.fireEnabledTasks(now)
		return append(evs, more...), err
	}
	return append(evs, r.completeIfDone(now)...), nil
}

func (r *runner) cancelItem(itemID string, now time.Time) ([]*storage.Event, error) {
	return r.endItem(itemID, ItemCancelled, storage.EventItemCancelled, now)
}

func (r *runner) failItem(itemID string, now time.Time) ([]*storage.Event, error) {
	return r.endItem(itemID, ItemFailed, storage.EventItemFailed, now)
}

// suspendItem pauses an executing work item.
func (r *runner) suspendItem(itemID string, now time.Time) ([]*storage.Event, error) {
	if err := r.checkActive(); err != nil {
		return nil, err
	}
	item, ok := r.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	if item.Status != ItemExecuting {
		return nil, fmt.Errorf("%w: work item %s is %s, not %s", ErrInvalidState, itemID, item.Status, ItemExecuting)
	}
	item.transition(ItemSuspended, now)
	return []*storage.Event{r.newEvent(storage.EventItemSuspended, item.TaskID, itemID, nil, now)}, nil
}

// resumeItem resumes a suspended work item.
func (r *runner) resumeItem(itemID string, now time.Time) ([]*storage.Event, error) {
	if err := r.checkActive(); err != nil {
		return nil, err
	}
	item, ok := r.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	if item.Status != ItemSuspended {
		return nil, fmt.Errorf("%w: work item %s is %s, not %s", ErrInvalidState, itemID, item.Status, ItemSuspended)
	}
	item.transition(ItemExecuting, now)
	return []*storage.Event{r.newEvent(storage.EventItemResumed, item.TaskID, itemID, nil, now)}, nil
}

// cancelCase removes all live tokens and work items and marks the case
// terminal. Cancelling an already-terminal case is a no-op, not an error.
func (r *runner) cancelCase(now time.Time) []*storage.Event {
	if r.status.Terminal() {
		return nil
	}
	var evs []*storage.Event
	for _, id := range r.itemIDsInOrder() {
		if item := r.items[id]; item.live() {
			item.transition(ItemCancelled, now)
			evs = append(evs, r.newEvent(storage.EventItemCancelled, item.TaskID, id, nil, now))
			if g := r.groups[item.GroupID]; g != nil && !g.Resolved && !r.groupHasLiveItems(g) {
				g.Resolved = true
				r.marking.Tasks[g.TaskID] = TaskDisabled
			}
		}
	}
	r.marking.Clear()
	r.status = CaseCancelled
	r.terminalAt = now
	return append(evs, r.newEvent(storage.EventCaseCancelled, "", "", nil, now))
}

// quarantine transitions the case to FAILED after a contract violation.
func (r *runner) quarantine(cause error, now time.Time) []*storage.Event {
	if r.status.Terminal() {
		return nil
	}
	r.status = CaseFailed
	r.terminalAt = now
	payload, _ := storage.MarshalPayload(map[string]string{"error": cause.Error()})
	return []*storage.Event{r.newEvent(storage.EventCaseFailed, "", "", payload, now)}
}

// completeIfDone checks proper completion: a token on the sink condition
// and no live work items.
func (r *runner) completeIfDone(now time.Time) []*storage.Event {
	if r.status.Terminal() {
		return nil
	}
	if r.marking.Tokens[r.net.Sink] == 0 || r.hasLiveItems() {
		return nil
	}
	r.status = CaseComplete
	r.terminalAt = now
	return []*storage.Event{r.newEvent(storage.EventCaseCompleted, "", "", nil, now)}
}

// isCaseComplete reports proper completion of the case.
func (r *runner) isCaseComplete() bool {
	return r.status == CaseComplete
}

func (r *runner) hasLiveItems() bool {
	for _, item := range r.items {
		if item.live() {
			return true
		}
	}
	return false
}

func (r *runner) groupHasLiveItems(g *siblingGroup) bool {
	for _, id := range g.Items {
		if item := r.items[id]; item != nil && item.live() {
			return true
		}
	}
	return false
}

// itemIDsInOrder returns all item IDs sorted by creation order (group
// creation follows event order, so sort by history timestamp then ID for
// a deterministic sweep).
func (r *runner) itemIDsInOrder() []string {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sortItemIDs(r.items, ids)
	return ids
}

// copyData deep-copies a case data document via a JSON round trip, so
// snapshots never alias live case data.
func copyData(data map[string]interface{}) map[string]interface{} {
	if len(data) == 0 {
		return make(map[string]interface{})
	}
	b, err := json.Marshal(data)
	if err != nil {
		// case data documents are JSON by construction
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(data))
	if err := json.Unmarshal(b, &out); err != nil {
		return make(map[string]interface{})
	}
	return out
}

// mergeData returns a copy of base with output merged over it, key by key.
func mergeData(base, output map[string]interface{}) map[string]interface{} {
	merged := copyData(base)
	for k, v := range copyData(output) {
		merged[k] = v
	}
	return merged
}
