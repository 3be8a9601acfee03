package netmodel

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode parses a serialized compiled net specification and validates it.
// The input may be YAML or JSON (JSON being a subset of YAML). Decode is
// the only supported way to construct a Net from external input; nets
// built in code call Validate directly.
func Decode(b []byte) (*Net, error) {
	n := new(Net)
	if err := yaml.Unmarshal(b, n); err != nil {
		return nil, fmt.Errorf("decoding net specification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("validating net specification: %w", err)
	}
	return n, nil
}
