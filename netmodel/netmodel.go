// Package netmodel defines the compiled form of a workflow net
// specification: tasks and conditions connected by flows, with split and
// join gateways per task. A Net is produced by an external specification
// compiler, validated once at load time, and is immutable and shared
// (read-only) by every runner executing it afterwards.
package netmodel

import (
	"fmt"
	"strings"
)

// GateType is the split or join behavior of a task.
// It is a closed set; Validate rejects anything else.
type GateType string

const (
	// GateNone is the implicit gateway of a task with a single input or
	// single output flow.
	GateNone GateType = ""

	GateAND GateType = "and"
	GateXOR GateType = "xor"
	GateOR  GateType = "or"
)

// Valid reports whether g is a known gateway type.
func (g GateType) Valid() bool {
	switch g {
	case GateNone, GateAND, GateXOR, GateOR:
		return true
	}
	return false
}

// Predicate is a compiled flow predicate: a single comparison of a case
// data variable against a constant. The specification compiler reduces
// authored expressions to this form.
type Predicate struct {
	Var   string      `json:"var" yaml:"var"`
	Op    string      `json:"op" yaml:"op"`
	Value interface{} `json:"value" yaml:"value"`
}

// Predicate comparison operators.
const (
	OpEq = "eq"
	OpNe = "ne"
	OpLt = "lt"
	OpLe = "le"
	OpGt = "gt"
	OpGe = "ge"
)

func validOp(op string) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// toFloat converts numeric types to float64 for comparison.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Eval evaluates the predicate against case data.
// A missing variable or an uncomparable type pair evaluates to false;
// predicate evaluation is deterministic for a given data document.
func (p *Predicate) Eval(data map[string]interface{}) bool {
	v, ok := data[p.Var]
	if !ok {
		return false
	}
	if lf, lok := toFloat(v); lok {
		rf, rok := toFloat(p.Value)
		if !rok {
			return false
		}
		return compareFloat(lf, rf, p.Op)
	}
	switch l := v.(type) {
	case string:
		r, ok := p.Value.(string)
		if !ok {
			return false
		}
		return compareString(l, r, p.Op)
	case bool:
		r, ok := p.Value.(bool)
		if !ok {
			return false
		}
		switch p.Op {
		case OpEq:
			return l == r
		case OpNe:
			return l != r
		}
		return false
	}
	return false
}

func compareFloat(l, r float64, op string) bool {
	switch op {
	case OpEq:
		return l == r
	case OpNe:
		return l != r
	case OpLt:
		return l < r
	case OpLe:
		return l <= r
	case OpGt:
		return l > r
	case OpGe:
		return l >= r
	}
	return false
}

func compareString(l, r string, op string) bool {
	c := strings.Compare(l, r)
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// Flow is a directed edge from a task to a condition.
// Flows from conditions to tasks are declared on the task's Inputs.
type Flow struct {
	// To is the target condition ID.
	To string `json:"to" yaml:"to"`

	// Predicate guards this flow on XOR and OR splits.
	Predicate *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`

	// Default marks the flow taken by an XOR or OR split when no
	// predicate matches. At most one output flow may be the default.
	Default bool `json:"default,omitempty" yaml:"default,omitempty"`
}

// MultiInstance fixes the sibling-group shape of a multi-instance task.
// Both values are fixed at specification compile time and never change
// mid-execution.
type MultiInstance struct {
	// Instances is the number of work items created per firing.
	Instances int `json:"instances" yaml:"instances"`

	// Threshold is the number of completed siblings required before the
	// task produces its output tokens.
	Threshold int `json:"threshold" yaml:"threshold"`
}

// Task is a net transition: the unit of work a case performs.
type Task struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Join  GateType `json:"join,omitempty" yaml:"join,omitempty"`
	Split GateType `json:"split,omitempty" yaml:"split,omitempty"`

	// Inputs are the IDs of the conditions flowing into this task.
	Inputs []string `json:"inputs" yaml:"inputs"`

	// Outputs are the flows from this task to its output conditions.
	Outputs []Flow `json:"outputs" yaml:"outputs"`

	MultiInstance *MultiInstance `json:"multi_instance,omitempty" yaml:"multi_instance,omitempty"`
}

// Instances returns the work item count and completion threshold for one
// firing of the task.
func (t *Task) Instances() (count, threshold int) {
	if t.MultiInstance == nil {
		return 1, 1
	}
	return t.MultiInstance.Instances, t.MultiInstance.Threshold
}

// Condition is a net place; it holds tokens.
type Condition struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Net is a compiled workflow net specification.
// A Net must pass Validate before use; Validate also builds the internal
// lookup indexes. A validated Net is immutable.
type Net struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Source and Sink designate the input and output conditions.
	Source string `json:"source" yaml:"source"`
	Sink   string `json:"sink" yaml:"sink"`

	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Tasks      []Task      `json:"tasks" yaml:"tasks"`

	conds   map[string]*Condition
	tasks   map[string]*Task
	condOut map[string][]*Task // condition ID -> tasks it feeds
	condIn  map[string][]*Task // condition ID -> tasks flowing into it

	validated bool
}

// Validated reports whether the net passed structural validation.
func (n *Net) Validated() bool {
	return n != nil && n.validated
}

// Task returns the task with the given ID, or nil.
func (n *Net) Task(id string) *Task {
	return n.tasks[id]
}

// Condition returns the condition with the given ID, or nil.
func (n *Net) Condition(id string) *Condition {
	return n.conds[id]
}

// TasksFedBy returns the tasks that have condition id as an input.
func (n *Net) TasksFedBy(id string) []*Task {
	return n.condOut[id]
}

// TasksFeeding returns the tasks that have condition id as an output.
func (n *Net) TasksFeeding(id string) []*Task {
	return n.condIn[id]
}

// buildIndexes populates the lookup maps from the declared tasks,
// conditions and flows. Reference errors are reported.
func (n *Net) buildIndexes() error {
	n.conds = make(map[string]*Condition, len(n.Conditions))
	n.tasks = make(map[string]*Task, len(n.Tasks))
	n.condOut = make(map[string][]*Task)
	n.condIn = make(map[string][]*Task)
	for i := range n.Conditions {
		c := &n.Conditions[i]
		if c.ID == "" {
			return fmt.Errorf("%w: condition %d", ErrMissingID, i)
		}
		if _, ok := n.conds[c.ID]; ok {
			return fmt.Errorf("%w: condition %s", ErrDuplicateID, c.ID)
		}
		n.conds[c.ID] = c
	}
	for i := range n.Tasks {
		t := &n.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task %d", ErrMissingID, i)
		}
		if _, ok := n.tasks[t.ID]; ok {
			return fmt.Errorf("%w: task %s", ErrDuplicateID, t.ID)
		}
		if _, ok := n.conds[t.ID]; ok {
			return fmt.Errorf("%w: task %s collides with condition", ErrDuplicateID, t.ID)
		}
		n.tasks[t.ID] = t
		for _, in := range t.Inputs {
			if _, ok := n.conds[in]; !ok {
				return fmt.Errorf("%w: task %s input condition %s", ErrUnknownReference, t.ID, in)
			}
			n.condOut[in] = append(n.condOut[in], t)
		}
		for _, f := range t.Outputs {
			if _, ok := n.conds[f.To]; !ok {
				return fmt.Errorf("%w: task %s output condition %s", ErrUnknownReference, t.ID, f.To)
			}
			n.condIn[f.To] = append(n.condIn[f.To], t)
		}
	}
	return nil
}
