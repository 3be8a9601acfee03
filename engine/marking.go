package engine

import (
	"fmt"

	"github.com/wfnet/wfnet/netmodel"
)

// TaskStatus is the execution status of a task within a marking.
type TaskStatus string

const (
	// TaskDisabled: the task's join condition is not satisfied.
	TaskDisabled TaskStatus = "disabled"

	// TaskEnabled: the join condition is satisfied. This status is
	// transient: the runner fires enabled tasks before returning control,
	// so a marking at rest never holds it.
	TaskEnabled TaskStatus = "enabled"

	// TaskBusy: the task has fired and its work item sibling group has
	// not yet resolved.
	TaskBusy TaskStatus = "busy"
)

// Marking is the token state of one running case: condition token counts
// plus per-task execution status. A Marking is owned and mutated
// exclusively by its case's runner.
type Marking struct {
	// Tokens maps condition IDs to token counts. Conditions holding no
	// tokens are absent, keeping the serialized form canonical.
	Tokens map[string]int `json:"tokens"`

	// Tasks maps task IDs to execution status.
	Tasks map[string]TaskStatus `json:"tasks"`
}

// newMarking creates the initial marking for a case: one token on the
// net's source condition, all tasks disabled.
func newMarking(net *netmodel.Net) *Marking {
	m := &Marking{
		Tokens: map[string]int{net.Source: 1},
		Tasks:  make(map[string]TaskStatus, len(net.Tasks)),
	}
	for i := range net.Tasks {
		m.Tasks[net.Tasks[i].ID] = TaskDisabled
	}
	return m
}

// Consume removes n tokens from a condition.
// A count that would go negative is a contract violation: the runner only
// consumes what join evaluation saw, so underflow means a bug.
func (m *Marking) Consume(cond string, n int) error {
	cur := m.Tokens[cond]
	if cur < n {
		return fmt.Errorf("%w: token count for %s would go negative (%d - %d)",
			ErrInvariantViolation, cond, cur, n)
	}
	if cur == n {
		delete(m.Tokens, cond)
		return nil
	}
	m.Tokens[cond] = cur - n
	return nil
}

// Produce adds n tokens to a condition.
func (m *Marking) Produce(cond string, n int) {
	m.Tokens[cond] += n
}

// Clear removes all tokens; used by case cancellation.
func (m *Marking) Clear() {
	m.Tokens = make(map[string]int)
}
