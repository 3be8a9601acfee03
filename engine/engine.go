// Package engine executes workflow net cases: it registers validated net
// specifications, launches cases against them, routes work item lifecycle
// operations to the owning case, and records every state transition to an
// append-only event log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/logkeys"
	"github.com/wfnet/wfnet/netmodel"
	"github.com/wfnet/wfnet/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DataValidator checks work item output data at checkin, before it is
// merged into case data.
type DataValidator interface {
	// ValidateOutput inspects the output a checkin carries for the given
	// task. A non-nil error rejects the checkin without state change.
	ValidateOutput(ctx context.Context, net *netmodel.Net, taskID string, output map[string]interface{}) error
}

// Engine is the case manager: the root of the API. All methods are safe
// for concurrent use; operations on distinct cases proceed in parallel
// while operations on the same case serialize on the case's own lock.
type Engine struct {
	specsMu sync.RWMutex
	specs   map[string]*netmodel.Net

	casesMu  sync.RWMutex
	cases    map[string]*runner
	items    map[string]string // work item ID -> case ID
	children map[string][]string

	store     storage.EventStore
	validator DataValidator
	logger    log.Logger
	ider      uuid.IDer
}

type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithIDer sets the case and work item ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithDataValidator sets the checkin output validation hook.
func WithDataValidator(v DataValidator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// New creates a new workflow engine using store for its event log.
func New(store storage.EventStore, opts ...Option) *Engine {
	e := &Engine{
		specs:    make(map[string]*netmodel.Net),
		cases:    make(map[string]*runner),
		items:    make(map[string]string),
		children: make(map[string][]string),
		store:    store,
		logger:   log.NopLogger,
		ider:     uuid.NewUUID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("service", "engine")
	return e
}

// now returns the operation timestamp. Truncated to microseconds so the
// time an event carries survives a round trip through every log backend
// and replay reconstructs identical state.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// RegisterSpecification registers a validated net under its ID, replacing
// any previous registration. Cases already launched keep the net they
// were launched with.
func (e *Engine) RegisterSpecification(ctx context.Context, net *netmodel.Net) error {
	if net == nil || !net.Validated() {
		return fmt.Errorf("%w: specification must pass validation before registration", ErrInvalidSpecification)
	}
	e.specsMu.Lock()
	e.specs[net.ID] = net
	e.specsMu.Unlock()
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "registered specification",
		logkeys.SpecID, net.ID,
	)
	return nil
}

// Specification retrieves a registered net by ID.
func (e *Engine) Specification(_ context.Context, specID string) (*netmodel.Net, error) {
	e.specsMu.RLock()
	net := e.specs[specID]
	e.specsMu.RUnlock()
	if net == nil {
		return nil, fmt.Errorf("%w: %s", ErrSpecificationNotFound, specID)
	}
	return net, nil
}

// SpecificationIDs lists the registered specification IDs, sorted.
func (e *Engine) SpecificationIDs(_ context.Context) []string {
	e.specsMu.RLock()
	ids := make([]string, 0, len(e.specs))
	for id := range e.specs {
		ids = append(ids, id)
	}
	e.specsMu.RUnlock()
	sort.Strings(ids)
	return ids
}

type launchConfig struct {
	parentCaseID string
}

type LaunchOption func(*launchConfig)

// WithParentCase annotates the new case as a child of parentCaseID.
// The annotation is one-directional: the parent case's own lifecycle is
// unaffected by its children.
func WithParentCase(parentCaseID string) LaunchOption {
	return func(c *launchConfig) {
		c.parentCaseID = parentCaseID
	}
}

// LaunchCase creates and starts a new case of the given specification
// with the provided initial case data, returning the new case ID. The
// initial firing cascade runs to completion before LaunchCase returns,
// so the first work items are immediately listable.
func (e *Engine) LaunchCase(ctx context.Context, specID string, data map[string]interface{}, opts ...LaunchOption) (string, error) {
	var config launchConfig
	for _, opt := range opts {
		opt(&config)
	}
	e.specsMu.RLock()
	net := e.specs[specID]
	e.specsMu.RUnlock()
	if net == nil {
		return "", fmt.Errorf("%w: %s", ErrSpecificationNotFound, specID)
	}

	at := now()
	r := newRunner(e.ider.ID(), specID, config.parentCaseID, net, copyData(data), e.ider, at)

	// the runner is unshared until registered; no locks needed yet
	evs, err := r.launch(at)
	if err != nil {
		return "", err
	}
	r.logMu.Lock()
	e.registerCase(r, evs)
	appendErr := e.store.AppendEvents(ctx, evs)
	r.logMu.Unlock()

	logger := ctxlog.Logger(ctx, e.logger)
	if appendErr != nil {
		logger.Info(
			logkeys.Message, "append case events",
			logkeys.CaseID, r.caseID,
			logkeys.Error, appendErr,
		)
		return r.caseID, fmt.Errorf("%w: %v", ErrEventLog, appendErr)
	}
	logger.Debug(
		logkeys.Message, "launched case",
		logkeys.CaseID, r.caseID,
		logkeys.SpecID, specID,
		logkeys.GenericCount, len(evs),
	)
	return r.caseID, nil
}

// registerCase indexes a new runner and its first events' work items.
func (e *Engine) registerCase(r *runner, evs []*storage.Event) {
	e.casesMu.Lock()
	defer e.casesMu.Unlock()
	e.cases[r.caseID] = r
	if r.parentID != "" {
		e.children[r.parentID] = append(e.children[r.parentID], r.caseID)
	}
	e.indexItems(r.caseID, evs)
}

// indexItems records the item-to-case mapping for any work items the
// events created. The caller holds casesMu.
func (e *Engine) indexItems(caseID string, evs []*storage.Event) {
	for _, ev := range evs {
		if ev.Kind != storage.EventTaskFired {
			continue
		}
		var p storage.TaskFiredPayload
		if err := storage.UnmarshalPayload(ev.Payload, &p); err != nil {
			continue
		}
		for _, id := range p.Items {
			e.items[id] = caseID
		}
	}
}

// findRunner resolves a case ID to its runner.
func (e *Engine) findRunner(caseID string) (*runner, error) {
	e.casesMu.RLock()
	r := e.cases[caseID]
	e.casesMu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	return r, nil
}

// findItemRunner resolves a work item ID to its owning case's runner.
func (e *Engine) findItemRunner(itemID string) (*runner, error) {
	e.casesMu.RLock()
	caseID, ok := e.items[itemID]
	r := e.cases[caseID]
	e.casesMu.RUnlock()
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	return r, nil
}

// withRunner runs op under the case lock and appends the events it
// produced. The case's logMu is acquired before the state lock is
// released: appends thus reach the log in mutation order while the state
// lock is never held across log I/O.
func (e *Engine) withRunner(ctx context.Context, r *runner, op func(r *runner, at time.Time) ([]*storage.Event, error)) error {
	r.mu.Lock()
	at := now()
	evs, opErr := op(r, at)
	if errors.Is(opErr, ErrInvariantViolation) {
		// contract violations quarantine the case; quarantine is a no-op
		// if the operation already recorded the failure
		evs = append(evs, r.quarantine(opErr, at)...)
	}
	if len(evs) == 0 {
		r.mu.Unlock()
		return opErr
	}
	r.logMu.Lock()
	r.mu.Unlock()
	// lock order is r.mu, then logMu, then casesMu, everywhere; no path
	// waits on a case lock while holding casesMu
	e.casesMu.Lock()
	e.indexItems(r.caseID, evs)
	e.casesMu.Unlock()
	appendErr := e.store.AppendEvents(ctx, evs)
	r.logMu.Unlock()
	if appendErr != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "append case events",
			logkeys.CaseID, r.caseID,
			logkeys.Error, appendErr,
		)
		if opErr != nil {
			return opErr
		}
		return fmt.Errorf("%w: %v", ErrEventLog, appendErr)
	}
	return opErr
}

// CheckoutWorkItem transitions a fired work item to executing and returns
// its payload: the task to perform and a snapshot of case data taken when
// the item's task fired.
func (e *Engine) CheckoutWorkItem(ctx context.Context, itemID string) (*ItemPayload, error) {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return nil, err
	}
	var payload *ItemPayload
	err = e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		var evs []*storage.Event
		payload, evs, err = r.startItem(itemID, at)
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "checked out work item",
		logkeys.CaseID, r.caseID,
		logkeys.WorkItemID, itemID,
	)
	return payload, nil
}

// CheckinWorkItem completes an executing work item with its output data.
// Output is validated by the configured hook before any state changes;
// the merge into case data, split resolution, token production, and the
// resulting firing cascade all happen before CheckinWorkItem returns.
func (e *Engine) CheckinWorkItem(ctx context.Context, itemID string, output map[string]interface{}) error {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return err
	}
	if e.validator != nil {
		// read just enough state to validate, outside the mutation path
		r.mu.Lock()
		item, ok := r.items[itemID]
		var taskID string
		var status ItemStatus
		if ok {
			taskID, status = item.TaskID, item.Status
		}
		net := r.net
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
		}
		if status != ItemExecuting {
			return fmt.Errorf("%w: work item %s is %s, not %s", ErrInvalidState, itemID, status, ItemExecuting)
		}
		if err := e.validator.ValidateOutput(ctx, net, taskID, output); err != nil {
			return fmt.Errorf("%w: %v", ErrDataValidation, err)
		}
	}
	err = e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.completeItem(itemID, output, at)
	})
	if err != nil {
		return err
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "checked in work item",
		logkeys.CaseID, r.caseID,
		logkeys.WorkItemID, itemID,
	)
	return nil
}

// CancelWorkItem terminates a live work item without output. The item's
// task produces no tokens on the cancelled path; if no live siblings
// remain the task un-fires.
func (e *Engine) CancelWorkItem(ctx context.Context, itemID string) error {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return err
	}
	return e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.cancelItem(itemID, at)
	})
}

// FailWorkItem marks a live work item failed. The case stays RUNNING:
// failure of one work item is an operational outcome, recoverable by
// other paths through the net, not a case-level fault.
func (e *Engine) FailWorkItem(ctx context.Context, itemID string) error {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return err
	}
	return e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.failItem(itemID, at)
	})
}

// SuspendWorkItem pauses an executing work item. A suspended item still
// blocks case completion until resumed and completed, or terminated.
func (e *Engine) SuspendWorkItem(ctx context.Context, itemID string) error {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return err
	}
	return e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.suspendItem(itemID, at)
	})
}

// ResumeWorkItem resumes a suspended work item to executing.
func (e *Engine) ResumeWorkItem(ctx context.Context, itemID string) error {
	r, err := e.findItemRunner(itemID)
	if err != nil {
		return err
	}
	return e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.resumeItem(itemID, at)
	})
}

// CancelCase terminates a running case: every live work item is cancelled
// and all tokens removed. Cancelling a case that is already terminal is a
// no-op.
func (e *Engine) CancelCase(ctx context.Context, caseID string) error {
	r, err := e.findRunner(caseID)
	if err != nil {
		return err
	}
	err = e.withRunner(ctx, r, func(r *runner, at time.Time) ([]*storage.Event, error) {
		return r.cancelCase(at), nil
	})
	if err != nil {
		return err
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "cancelled case",
		logkeys.CaseID, caseID,
	)
	return nil
}

// CaseSummary is the externally visible state of a case.
type CaseSummary struct {
	CaseID       string     `json:"case_id"`
	SpecID       string     `json:"spec_id"`
	ParentCaseID string     `json:"parent_case_id,omitempty"`
	Status       CaseStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminalAt   *time.Time `json:"terminal_at,omitempty"`

	// Data is the current merged case data document.
	Data map[string]interface{} `json:"data,omitempty"`

	// Tokens is the current token marking, by condition ID.
	Tokens map[string]int `json:"tokens,omitempty"`
}

// CaseStatus reports the state of a case.
func (e *Engine) CaseStatus(_ context.Context, caseID string) (*CaseSummary, error) {
	r, err := e.findRunner(caseID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &CaseSummary{
		CaseID:       r.caseID,
		SpecID:       r.specID,
		ParentCaseID: r.parentID,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		Data:         copyData(r.data),
		Tokens:       make(map[string]int, len(r.marking.Tokens)),
	}
	for cond, n := range r.marking.Tokens {
		s.Tokens[cond] = n
	}
	if !r.terminalAt.IsZero() {
		at := r.terminalAt
		s.TerminalAt = &at
	}
	return s, nil
}

// IsCaseComplete reports whether a case reached proper completion: a
// token on the sink condition and no live work items.
func (e *Engine) IsCaseComplete(_ context.Context, caseID string) (bool, error) {
	r, err := e.findRunner(caseID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isCaseComplete(), nil
}

// CaseEvents reads a case's event log from fromSeq onward.
func (e *Engine) CaseEvents(ctx context.Context, caseID string, fromSeq uint64) ([]*storage.Event, error) {
	events, err := e.store.RetrieveEvents(ctx, caseID, fromSeq)
	if errors.Is(err, storage.ErrNoSuchCase) {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, caseID)
	}
	return events, err
}

// ChildCases lists the case IDs launched as children of caseID, in
// launch order.
func (e *Engine) ChildCases(_ context.Context, caseID string) []string {
	e.casesMu.RLock()
	defer e.casesMu.RUnlock()
	return append([]string(nil), e.children[caseID]...)
}

// WorkItems lists work items matching the filter, ordered by item ID.
// The After cursor and Limit page through large result sets.
func (e *Engine) WorkItems(_ context.Context, f ItemFilter) ([]ItemSummary, error) {
	status := f.Status
	if status == "" {
		status = ItemFired
	}

	e.casesMu.RLock()
	var runners []*runner
	if f.CaseID != "" {
		if r := e.cases[f.CaseID]; r != nil {
			runners = append(runners, r)
		}
	} else {
		runners = make([]*runner, 0, len(e.cases))
		for _, r := range e.cases {
			runners = append(runners, r)
		}
	}
	e.casesMu.RUnlock()
	if f.CaseID != "" && len(runners) == 0 {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, f.CaseID)
	}

	var summaries []ItemSummary
	for _, r := range runners {
		r.mu.Lock()
		for _, item := range r.items {
			if item.Status != status {
				continue
			}
			if f.TaskID != "" && item.TaskID != f.TaskID {
				continue
			}
			summaries = append(summaries, ItemSummary{
				ID:        item.ID,
				CaseID:    item.CaseID,
				TaskID:    item.TaskID,
				Status:    item.Status,
				CreatedAt: item.createdAt(),
			})
		}
		r.mu.Unlock()
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	if f.After != "" {
		cut := sort.Search(len(summaries), func(i int) bool { return summaries[i].ID > f.After })
		summaries = summaries[cut:]
	}
	if f.Limit > 0 && len(summaries) > f.Limit {
		summaries = summaries[:f.Limit]
	}
	return summaries, nil
}

// Recover rebuilds in-memory case state from the event log: every logged
// case is replayed in a batch fold and cases still RUNNING are registered
// for continued execution. Cases whose replay fails are logged and
// skipped so one corrupt log cannot block recovery of the rest.
func (e *Engine) Recover(ctx context.Context) error {
	logger := ctxlog.Logger(ctx, e.logger)
	caseIDs, err := e.store.RetrieveCaseIDs(ctx)
	if err != nil {
		return fmt.Errorf("retrieving case IDs: %w", err)
	}
	sort.Strings(caseIDs)

	e.specsMu.RLock()
	lookup := func(id string) *netmodel.Net { return e.specs[id] }
	recovered := 0
	for _, caseID := range caseIDs {
		events, err := e.store.RetrieveEvents(ctx, caseID, 0)
		if err != nil {
			logger.Info(
				logkeys.Message, "retrieve case events",
				logkeys.CaseID, caseID,
				logkeys.Error, err,
			)
			continue
		}
		r, err := replayCase(lookup, events, e.ider)
		if err != nil {
			logger.Info(
				logkeys.Message, "replay case",
				logkeys.CaseID, caseID,
				logkeys.Error, err,
			)
			continue
		}
		if r.status.Terminal() {
			continue
		}
		e.casesMu.Lock()
		e.cases[r.caseID] = r
		if r.parentID != "" {
			e.children[r.parentID] = append(e.children[r.parentID], r.caseID)
		}
		for id := range r.items {
			e.items[id] = r.caseID
		}
		e.casesMu.Unlock()
		recovered++
	}
	e.specsMu.RUnlock()

	logger.Debug(
		logkeys.Message, "recovered cases",
		logkeys.GenericCount, recovered,
	)
	return nil
}

// PruneTerminal drops in-memory state for cases that reached a terminal
// status before the given time. The event log is untouched: pruned cases
// remain fully replayable.
//
// Case locks are never nested inside casesMu: the runner set is
// snapshotted first, each runner is inspected under its own lock, and
// only then is casesMu taken to delete. A terminal status is permanent,
// so the inspection cannot go stale in between.
func (e *Engine) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	e.casesMu.RLock()
	runners := make([]*runner, 0, len(e.cases))
	for _, r := range e.cases {
		runners = append(runners, r)
	}
	e.casesMu.RUnlock()

	type prunable struct {
		caseID   string
		parentID string
		itemIDs  []string
	}
	var prune []prunable
	for _, r := range runners {
		r.mu.Lock()
		if r.status.Terminal() && r.terminalAt.Before(before) {
			p := prunable{caseID: r.caseID, parentID: r.parentID}
			for id := range r.items {
				p.itemIDs = append(p.itemIDs, id)
			}
			prune = append(prune, p)
		}
		r.mu.Unlock()
	}

	pruned := 0
	e.casesMu.Lock()
	for _, p := range prune {
		if _, ok := e.cases[p.caseID]; !ok {
			continue
		}
		delete(e.cases, p.caseID)
		for _, id := range p.itemIDs {
			delete(e.items, id)
		}
		if p.parentID != "" {
			kept := e.children[p.parentID][:0]
			for _, id := range e.children[p.parentID] {
				if id != p.caseID {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				delete(e.children, p.parentID)
			} else {
				e.children[p.parentID] = kept
			}
		}
		pruned++
	}
	e.casesMu.Unlock()

	if pruned > 0 {
		ctxlog.Logger(ctx, e.logger).Debug(
			logkeys.Message, "pruned terminal cases",
			logkeys.GenericCount, pruned,
		)
	}
	return pruned, nil
}
