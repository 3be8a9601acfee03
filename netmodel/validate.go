package netmodel

import (
	"errors"
	"fmt"
)

// Structural validation errors.
var (
	ErrEmptyNet         = errors.New("empty net")
	ErrMissingID        = errors.New("missing ID")
	ErrDuplicateID      = errors.New("duplicate ID")
	ErrUnknownReference = errors.New("unknown reference")
	ErrBadSource        = errors.New("invalid source condition")
	ErrBadSink          = errors.New("invalid sink condition")
	ErrBadGateway       = errors.New("invalid gateway")
	ErrBadPredicate     = errors.New("invalid flow predicate")
	ErrBadMultiInstance = errors.New("invalid multi-instance bounds")
	ErrUnconnected      = errors.New("net not connected")
)

// Validate performs the one-time structural soundness check of the net
// and builds its lookup indexes. The runtime never re-checks any of this:
// a validated net is assumed structurally sound thereafter.
//
// Checked: unique IDs, resolvable flow references, exactly one source and
// one sink condition, gateway types consistent with flow arity, predicate
// placement on XOR/OR splits, multi-instance bounds, and full connectivity
// (every node reachable from the source and co-reachable from the sink).
func (n *Net) Validate() error {
	if n == nil || len(n.Tasks) == 0 || len(n.Conditions) == 0 {
		return ErrEmptyNet
	}
	if n.ID == "" {
		return fmt.Errorf("%w: net", ErrMissingID)
	}
	if err := n.buildIndexes(); err != nil {
		return err
	}
	if err := n.validateEndpoints(); err != nil {
		return err
	}
	for i := range n.Tasks {
		if err := n.validateTask(&n.Tasks[i]); err != nil {
			return err
		}
	}
	if err := n.validateConnectivity(); err != nil {
		return err
	}
	n.validated = true
	return nil
}

// validateEndpoints checks that the declared source and sink are the only
// boundary conditions of the net.
func (n *Net) validateEndpoints() error {
	if _, ok := n.conds[n.Source]; !ok {
		return fmt.Errorf("%w: %q not declared", ErrBadSource, n.Source)
	}
	if _, ok := n.conds[n.Sink]; !ok {
		return fmt.Errorf("%w: %q not declared", ErrBadSink, n.Sink)
	}
	if n.Source == n.Sink {
		return fmt.Errorf("%w: source and sink are the same condition", ErrBadSink)
	}
	for _, c := range n.Conditions {
		in := len(n.condIn[c.ID])
		out := len(n.condOut[c.ID])
		if in == 0 && c.ID != n.Source {
			return fmt.Errorf("%w: condition %s has no incoming flow but is not the source", ErrBadSource, c.ID)
		}
		if in > 0 && c.ID == n.Source {
			return fmt.Errorf("%w: source %s has incoming flows", ErrBadSource, c.ID)
		}
		if out == 0 && c.ID != n.Sink {
			return fmt.Errorf("%w: condition %s has no outgoing flow but is not the sink", ErrBadSink, c.ID)
		}
		if out > 0 && c.ID == n.Sink {
			return fmt.Errorf("%w: sink %s has outgoing flows", ErrBadSink, c.ID)
		}
	}
	return nil
}

func (n *Net) validateTask(t *Task) error {
	if len(t.Inputs) == 0 {
		return fmt.Errorf("%w: task %s has no inputs", ErrUnconnected, t.ID)
	}
	if len(t.Outputs) == 0 {
		return fmt.Errorf("%w: task %s has no outputs", ErrUnconnected, t.ID)
	}
	if !t.Join.Valid() || !t.Split.Valid() {
		return fmt.Errorf("%w: task %s", ErrBadGateway, t.ID)
	}
	if len(t.Inputs) > 1 && t.Join == GateNone {
		return fmt.Errorf("%w: task %s has %d inputs but no join type", ErrBadGateway, t.ID, len(t.Inputs))
	}
	if len(t.Outputs) > 1 && t.Split == GateNone {
		return fmt.Errorf("%w: task %s has %d outputs but no split type", ErrBadGateway, t.ID, len(t.Outputs))
	}
	if err := n.validateFlows(t); err != nil {
		return err
	}
	if mi := t.MultiInstance; mi != nil {
		if mi.Instances < 1 || mi.Threshold < 1 || mi.Threshold > mi.Instances {
			return fmt.Errorf("%w: task %s instances=%d threshold=%d",
				ErrBadMultiInstance, t.ID, mi.Instances, mi.Threshold)
		}
	}
	return nil
}

func (n *Net) validateFlows(t *Task) error {
	conditional := t.Split == GateXOR || t.Split == GateOR
	defaults := 0
	for _, f := range t.Outputs {
		if f.Default {
			defaults++
			if f.Predicate != nil {
				return fmt.Errorf("%w: task %s default flow to %s has a predicate", ErrBadPredicate, t.ID, f.To)
			}
			if !conditional {
				return fmt.Errorf("%w: task %s default flow on %s split", ErrBadPredicate, t.ID, t.Split)
			}
			continue
		}
		if f.Predicate != nil {
			if !conditional {
				return fmt.Errorf("%w: task %s predicate on %s split", ErrBadPredicate, t.ID, t.Split)
			}
			if !validOp(f.Predicate.Op) {
				return fmt.Errorf("%w: task %s flow to %s op %q", ErrBadPredicate, t.ID, f.To, f.Predicate.Op)
			}
			if f.Predicate.Var == "" {
				return fmt.Errorf("%w: task %s flow to %s missing var", ErrBadPredicate, t.ID, f.To)
			}
		} else if conditional && len(t.Outputs) > 1 {
			return fmt.Errorf("%w: task %s flow to %s on %s split needs a predicate or default",
				ErrBadPredicate, t.ID, f.To, t.Split)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%w: task %s has %d default flows", ErrBadPredicate, t.ID, defaults)
	}
	return nil
}

// validateConnectivity checks every node lies on a path from source to sink.
func (n *Net) validateConnectivity() error {
	forward := map[string]bool{}
	n.reach(n.Source, forward, false)
	backward := map[string]bool{}
	n.reach(n.Sink, backward, true)

	for _, c := range n.Conditions {
		if !forward[c.ID] {
			return fmt.Errorf("%w: condition %s unreachable from source", ErrUnconnected, c.ID)
		}
		if !backward[c.ID] {
			return fmt.Errorf("%w: condition %s cannot reach sink", ErrUnconnected, c.ID)
		}
	}
	for _, t := range n.Tasks {
		if !forward[t.ID] {
			return fmt.Errorf("%w: task %s unreachable from source", ErrUnconnected, t.ID)
		}
		if !backward[t.ID] {
			return fmt.Errorf("%w: task %s cannot reach sink", ErrUnconnected, t.ID)
		}
	}
	return nil
}

// reach marks all nodes reachable from the condition start, following
// edges forward or in reverse.
func (n *Net) reach(start string, seen map[string]bool, reverse bool) {
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		var tasks []*Task
		if reverse {
			tasks = n.condIn[id]
		} else {
			tasks = n.condOut[id]
		}
		for _, t := range tasks {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			if reverse {
				stack = append(stack, t.Inputs...)
			} else {
				for _, f := range t.Outputs {
					stack = append(stack, f.To)
				}
			}
		}
	}
}
