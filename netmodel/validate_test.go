package netmodel

import (
	"errors"
	"testing"
)

// validNet builds a small structurally sound net: a sequence with an
// XOR-split routing around one branch.
func validNet() *Net {
	return &Net{
		ID:     "test",
		Source: "start",
		Sink:   "end",
		Conditions: []Condition{
			{ID: "start"},
			{ID: "c1"},
			{ID: "cb"},
			{ID: "merge"},
			{ID: "end"},
		},
		Tasks: []Task{
			{ID: "A", Inputs: []string{"start"}, Outputs: []Flow{{To: "c1"}}},
			{
				ID:    "Route",
				Split: GateXOR,
				Inputs: []string{"c1"},
				Outputs: []Flow{
					{To: "cb", Predicate: &Predicate{Var: "x", Op: OpGt, Value: 1}},
					{To: "merge", Default: true},
				},
			},
			{ID: "B", Inputs: []string{"cb"}, Outputs: []Flow{{To: "merge"}}},
			{ID: "Done", Inputs: []string{"merge"}, Outputs: []Flow{{To: "end"}}},
		},
	}
}

func TestValidateOK(t *testing.T) {
	net := validNet()
	if err := net.Validate(); err != nil {
		t.Fatal(err)
	}
	if !net.Validated() {
		t.Fatal("expected net marked validated")
	}
	if net.Task("Route") == nil || net.Condition("merge") == nil {
		t.Fatal("lookup indexes not built")
	}
	fed := net.TasksFedBy("merge")
	if len(fed) != 1 || fed[0].ID != "Done" {
		t.Fatalf("TasksFedBy(merge) = %v", fed)
	}
}

func TestValidateErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*Net)
		err    error
	}{
		{
			"empty",
			func(n *Net) { n.Tasks = nil },
			ErrEmptyNet,
		},
		{
			"missing_net_id",
			func(n *Net) { n.ID = "" },
			ErrMissingID,
		},
		{
			"duplicate_task_id",
			func(n *Net) { n.Tasks = append(n.Tasks, n.Tasks[0]) },
			ErrDuplicateID,
		},
		{
			"unknown_flow_target",
			func(n *Net) { n.Tasks[0].Outputs[0].To = "nope" },
			ErrUnknownReference,
		},
		{
			"undeclared_source",
			func(n *Net) { n.Source = "nope" },
			ErrBadSource,
		},
		{
			"sink_with_outgoing_flow",
			func(n *Net) { n.Sink = "c1" },
			ErrBadSink,
		},
		{
			"multi_output_without_split",
			func(n *Net) { n.Tasks[1].Split = GateNone },
			ErrBadGateway,
		},
		{
			"multi_input_without_join",
			func(n *Net) {
				n.Tasks[3].Inputs = append(n.Tasks[3].Inputs, "c1")
			},
			ErrBadGateway,
		},
		{
			"predicate_on_plain_split",
			func(n *Net) {
				n.Tasks[0].Outputs[0].Predicate = &Predicate{Var: "x", Op: OpEq, Value: 1}
			},
			ErrBadPredicate,
		},
		{
			"two_default_flows",
			func(n *Net) { n.Tasks[1].Outputs[0].Default = true },
			ErrBadPredicate,
		},
		{
			"threshold_above_instances",
			func(n *Net) {
				n.Tasks[0].MultiInstance = &MultiInstance{Instances: 2, Threshold: 3}
			},
			ErrBadMultiInstance,
		},
		{
			"unreachable_island",
			func(n *Net) {
				n.Conditions = append(n.Conditions, Condition{ID: "i1"}, Condition{ID: "i2"})
				n.Tasks = append(n.Tasks, Task{
					ID: "Island", Inputs: []string{"i1"}, Outputs: []Flow{{To: "i2"}},
				})
				// close the island loop so endpoint checks pass
				n.Tasks = append(n.Tasks, Task{
					ID: "Island2", Inputs: []string{"i2"}, Outputs: []Flow{{To: "i1"}},
				})
			},
			ErrUnconnected,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			net := validNet()
			test.mutate(net)
			err := net.Validate()
			if !errors.Is(err, test.err) {
				t.Fatalf("expected %v, got %v", test.err, err)
			}
			if net.Validated() {
				t.Fatal("invalid net marked validated")
			}
		})
	}
}

func TestPredicateEval(t *testing.T) {
	data := map[string]interface{}{
		"amount":   float64(500),
		"count":    3,
		"name":     "alice",
		"approved": true,
	}
	for _, test := range []struct {
		name string
		p    Predicate
		want bool
	}{
		{"num_lt", Predicate{Var: "amount", Op: OpLt, Value: 1000}, true},
		{"num_ge_false", Predicate{Var: "amount", Op: OpGe, Value: 1000}, false},
		{"num_mixed_types", Predicate{Var: "count", Op: OpEq, Value: float64(3)}, true},
		{"string_eq", Predicate{Var: "name", Op: OpEq, Value: "alice"}, true},
		{"string_order", Predicate{Var: "name", Op: OpLt, Value: "bob"}, true},
		{"bool_eq", Predicate{Var: "approved", Op: OpEq, Value: true}, true},
		{"bool_ne", Predicate{Var: "approved", Op: OpNe, Value: false}, true},
		{"missing_var", Predicate{Var: "nope", Op: OpEq, Value: 1}, false},
		{"uncomparable", Predicate{Var: "name", Op: OpGt, Value: 5}, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := test.p.Eval(data); got != test.want {
				t.Fatalf("Eval = %v, want %v", got, test.want)
			}
		})
	}
}
