package diskv

import (
	"testing"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	test.TestEventStorage(t, func() storage.EventStore { return New(t.TempDir()) })
}
