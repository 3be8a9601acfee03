package mysql

import (
	"os"
	"testing"

	"github.com/wfnet/wfnet/engine/storage"
	"github.com/wfnet/wfnet/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("WFNET_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("WFNET_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// to re-run against an existing DB/DSN:
	//
	// DELETE FROM case_events;
	//
	// the suite appends under fixed case IDs, so leftovers from a
	// previous run will fail the sequence checks

	test.TestEventStorage(t, func() storage.EventStore { return s })
}
