package netmodel

import (
	"errors"
	"reflect"
	"testing"
)

const yamlNet = `
id: approvals
name: Approvals
source: start
sink: end
conditions:
  - id: start
  - id: c1
  - id: end
tasks:
  - id: Submit
    inputs: [start]
    outputs: [{to: c1}]
  - id: Approve
    split: xor
    inputs: [c1]
    outputs:
      - to: end
        predicate: {var: amount, op: lt, value: 1000}
      - to: end
        default: true
    multi_instance: {instances: 2, threshold: 1}
`

const jsonNet = `{
  "id": "approvals",
  "name": "Approvals",
  "source": "start",
  "sink": "end",
  "conditions": [{"id": "start"}, {"id": "c1"}, {"id": "end"}],
  "tasks": [
    {"id": "Submit", "inputs": ["start"], "outputs": [{"to": "c1"}]},
    {
      "id": "Approve",
      "split": "xor",
      "inputs": ["c1"],
      "outputs": [
        {"to": "end", "predicate": {"var": "amount", "op": "lt", "value": 1000}},
        {"to": "end", "default": true}
      ],
      "multi_instance": {"instances": 2, "threshold": 1}
    }
  ]
}`

func TestDecodeYAMLAndJSONEquivalent(t *testing.T) {
	fromYAML, err := Decode([]byte(yamlNet))
	if err != nil {
		t.Fatal(err)
	}
	fromJSON, err := Decode([]byte(jsonNet))
	if err != nil {
		t.Fatal(err)
	}

	if !fromYAML.Validated() || !fromJSON.Validated() {
		t.Fatal("decoded nets not validated")
	}
	if !reflect.DeepEqual(fromYAML.Tasks, fromJSON.Tasks) {
		t.Fatalf("task decoding diverges:\nyaml: %+v\njson: %+v", fromYAML.Tasks, fromJSON.Tasks)
	}
	if !reflect.DeepEqual(fromYAML.Conditions, fromJSON.Conditions) {
		t.Fatalf("condition decoding diverges:\nyaml: %+v\njson: %+v", fromYAML.Conditions, fromJSON.Conditions)
	}

	approve := fromYAML.Task("Approve")
	if approve == nil {
		t.Fatal("Approve task missing")
	}
	if approve.Split != GateXOR {
		t.Fatalf("split = %q", approve.Split)
	}
	count, threshold := approve.Instances()
	if count != 2 || threshold != 1 {
		t.Fatalf("instances = %d/%d", count, threshold)
	}
	if p := approve.Outputs[0].Predicate; p == nil || p.Var != "amount" || p.Op != OpLt {
		t.Fatalf("predicate = %+v", approve.Outputs[0].Predicate)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeRejectsInvalidNet(t *testing.T) {
	_, err := Decode([]byte(`
id: broken
source: start
sink: end
conditions:
  - id: start
  - id: end
tasks:
  - id: A
    inputs: [start]
    outputs: [{to: nope}]
`))
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected %v, got %v", ErrUnknownReference, err)
	}
}
