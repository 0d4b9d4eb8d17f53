package main

import (
	"context"
	"fmt"

	"segmentcore/internal/config"
	"segmentcore/internal/persistence"
	"segmentcore/internal/persistence/postgres"
	"segmentcore/internal/persistence/sqlite"
)

// openSnapshots selects the snapshot backend named by env.StorageDriver.
func openSnapshots(ctx context.Context, env config.Env) (persistence.Store, error) {
	switch env.StorageDriver {
	case config.StorageMemory:
		return persistence.NewMemory(), nil
	case config.StorageSQLite, "":
		return sqlite.Open(ctx, env.SQLitePath)
	case config.StoragePostgres:
		return postgres.Open(ctx, env.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", env.StorageDriver)
	}
}
