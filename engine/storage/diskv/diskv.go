// Package diskv implements an engine event log backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/wfnet/wfnet/engine/storage/kv"
	"github.com/wfnet/wfnet/utils/kv/kvdiskv"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed event log backend.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	return &Diskv{KV: kv.New(
		kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "eventlog", "event"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
		kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "eventlog", "case"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
	)}
}
