package main

import (
	"fmt"

	"github.com/wfnet/wfnet/engine/storage"
	storagediskv "github.com/wfnet/wfnet/engine/storage/diskv"
	storageinmem "github.com/wfnet/wfnet/engine/storage/inmem"
	storagemysql "github.com/wfnet/wfnet/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(name, dsn string) (storage.EventStore, error) {
	switch name {
	case "inmem":
		return storageinmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storagediskv.New(dsn), nil
	case "mysql":
		return storagemysql.New(storagemysql.WithDSN(dsn))
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
