// Package storage selects and opens the configured warehouse backend.
package storage

import (
	"context"
	"fmt"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/retry"
	"github.com/bobmcallan/kabuka/internal/storage/bigquery"
	"github.com/bobmcallan/kabuka/internal/storage/postgres"
	"github.com/bobmcallan/kabuka/internal/storage/sqlite"
	"github.com/bobmcallan/kabuka/internal/storage/surrealdb"
)

// NewWarehouseStore opens the warehouse named by config.Warehouse.Backend.
// Supported backends: "bigquery" (default), "postgres", "sqlite", "surrealdb".
func NewWarehouseStore(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.WarehouseStore, error) {
	backend := config.Warehouse.Backend
	if backend == "" {
		backend = common.BackendBigQuery
	}
	policy := retry.FromConfig(retry.Default, config)
	table := config.Warehouse.Table

	switch backend {
	case common.BackendBigQuery:
		return opened(bigquery.NewStore(ctx, config, logger, bigquery.WithRetryPolicy(policy)))

	case common.BackendPostgres:
		pg := config.Warehouse.Postgres
		return opened(postgres.Open(ctx, pg.DSN, table, pg.MaxConns, logger, postgres.WithRetryPolicy(policy)))

	case common.BackendSQLite:
		return opened(sqlite.Open(config.Warehouse.SQLite.Path, table, logger, sqlite.WithRetryPolicy(policy)))

	case common.BackendSurreal:
		return opened(surrealdb.NewStore(ctx, config.Warehouse.Surreal, table, logger, surrealdb.WithRetryPolicy(policy)))

	default:
		return nil, fmt.Errorf("unknown warehouse backend: %s (supported: bigquery, postgres, sqlite, surrealdb)", backend)
	}
}

// opened keeps a failed open from returning a typed nil store.
func opened[S interfaces.WarehouseStore](store S, err error) (interfaces.WarehouseStore, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}
