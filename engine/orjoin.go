package engine

import "github.com/wfnet/wfnet/netmodel"

// orJoinEnabled decides whether an OR-join task may fire under the
// current marking. The join waits while more tokens could still arrive
// on its unmarked inputs: it is enabled when at least one input holds a
// token and no unmarked input condition is forward-reachable from the
// active part of the net, with the join task itself excluded so its own
// firing cannot count as a path.
func (r *runner) orJoinEnabled(t *netmodel.Task) bool {
	anyMarked := false
	for _, in := range t.Inputs {
		if r.marking.Tokens[in] > 0 {
			anyMarked = true
			break
		}
	}
	if !anyMarked {
		return false
	}
	reach := r.reachableConditions(t.ID)
	for _, in := range t.Inputs {
		if r.marking.Tokens[in] > 0 {
			continue
		}
		if reach[in] {
			// a token could still arrive here; keep waiting
			return false
		}
	}
	return true
}

// reachableConditions computes the set of conditions that can still
// receive a token: a forward closure over the net seeded by every marked
// condition and by the outputs of every busy task, treating every task
// except excludeTask as fireable.
func (r *runner) reachableConditions(excludeTask string) map[string]bool {
	reached := make(map[string]bool)
	var frontier []string

	visit := func(cond string) {
		if !reached[cond] {
			reached[cond] = true
			frontier = append(frontier, cond)
		}
	}

	for cond, n := range r.marking.Tokens {
		if n > 0 {
			visit(cond)
		}
	}
	for taskID, status := range r.marking.Tasks {
		if status != TaskBusy || taskID == excludeTask {
			continue
		}
		if bt := r.net.Task(taskID); bt != nil {
			for _, f := range bt.Outputs {
				visit(f.To)
			}
		}
	}

	for len(frontier) > 0 {
		cond := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, task := range r.net.TasksFedBy(cond) {
			if task.ID == excludeTask {
				continue
			}
			for _, f := range task.Outputs {
				visit(f.To)
			}
		}
	}
	return reached
}
