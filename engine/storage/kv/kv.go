// Package kv implements an engine event log backend using a key-value interface.
package kv

import (
	"sync"

	"github.com/wfnet/wfnet/utils/kv"
)

// KV is an event log backend using a key-value interface.
// The mutex serializes append batches so per-case sequence checks and the
// case index stay consistent across buckets.
type KV struct {
	mu     sync.RWMutex
	events kv.Bucket
	cases  kv.TraversingBucket
}

// New creates a new key-value event log backend.
// The events bucket holds one entry per event; the cases bucket holds a
// per-case index entry tracking the last appended sequence number.
func New(events kv.Bucket, cases kv.TraversingBucket) *KV {
	return &KV{
		events: events,
		cases:  cases,
	}
}
