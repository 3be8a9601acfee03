// Package inmem implements an engine event log backend using a map-based key-value store.
package inmem

import (
	"github.com/wfnet/wfnet/engine/storage/kv"
	"github.com/wfnet/wfnet/utils/kv/kvmap"
)

// InMem is an in-memory event log backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(
		kvmap.NewBucket(),
		kvmap.NewBucket(),
	)}
}
