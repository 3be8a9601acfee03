package engine

import (
	"sort"
	"time"
)

// ItemStatus is the lifecycle status of a work item.
type ItemStatus string

const (
	// ItemFired: created by a task firing, available for checkout.
	ItemFired ItemStatus = "fired"

	// ItemExecuting: checked out by an external caller.
	ItemExecuting ItemStatus = "executing"

	// ItemSuspended: checked out but paused; resumable.
	ItemSuspended ItemStatus = "suspended"

	// Terminal statuses. None transition further.
	ItemComplete  ItemStatus = "complete"
	ItemCancelled ItemStatus = "cancelled"
	ItemFailed    ItemStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemComplete, ItemCancelled, ItemFailed:
		return true
	}
	return false
}

// ItemTransition records one status transition and when it was applied.
type ItemTransition struct {
	Status ItemStatus `json:"status"`
	At     time.Time  `json:"at"`
}

// WorkItem is one executable occurrence of a task within a case.
// Items created by the same firing of a multi-instance task form a
// sibling group sharing a GroupID.
type WorkItem struct {
	ID      string `json:"id"`
	CaseID  string `json:"case_id"`
	TaskID  string `json:"task_id"`
	GroupID string `json:"group_id"`

	Status ItemStatus `json:"status"`

	// Data is the case data snapshot taken when the task fired.
	Data map[string]interface{} `json:"data,omitempty"`

	// Output is the data document submitted at checkin.
	Output map[string]interface{} `json:"output,omitempty"`

	// History holds every transition in order, starting with creation.
	History []ItemTransition `json:"history"`
}

// live reports whether the item still blocks case completion.
func (wi *WorkItem) live() bool {
	return !wi.Status.Terminal()
}

// transition applies a status change and records it.
func (wi *WorkItem) transition(s ItemStatus, at time.Time) {
	wi.Status = s
	wi.History = append(wi.History, ItemTransition{Status: s, At: at})
}

// createdAt is the time of the item's first transition (its creation).
func (wi *WorkItem) createdAt() time.Time {
	if len(wi.History) == 0 {
		return time.Time{}
	}
	return wi.History[0].At
}

// siblingGroup tracks one firing of a task: the work items it created and
// the completion threshold fixed at firing time.
type siblingGroup struct {
	TaskID    string   `json:"task_id"`
	Items     []string `json:"items"`
	Threshold int      `json:"threshold"`
	Completed int      `json:"completed"`

	// Resolved is set when the group produced its output tokens, or was
	// abandoned with no live items left.
	Resolved bool `json:"resolved"`
}

// ItemFilter selects work items for listing.
// The zero Status filters to ItemFired: the items available for checkout.
type ItemFilter struct {
	CaseID string
	TaskID string
	Status ItemStatus

	// After restarts a listing: only items with an ID strictly greater
	// than After are returned. Listings are ordered by item ID.
	After string

	// Limit caps the number of summaries returned; 0 means no cap.
	Limit int
}

// ItemSummary is the listing form of a work item.
type ItemSummary struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"case_id"`
	TaskID    string     `json:"task_id"`
	Status    ItemStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// sortItemIDs orders ids by item creation time, breaking ties by ID, for
// deterministic sweeps over a case's items.
func sortItemIDs(items map[string]*WorkItem, ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := items[ids[i]], items[ids[j]]
		if !a.createdAt().Equal(b.createdAt()) {
			return a.createdAt().Before(b.createdAt())
		}
		return a.ID < b.ID
	})
}

// ItemPayload is what a checkout hands to the external caller.
type ItemPayload struct {
	ID     string                 `json:"id"`
	CaseID string                 `json:"case_id"`
	TaskID string                 `json:"task_id"`
	Data   map[string]interface{} `json:"data,omitempty"`
}
