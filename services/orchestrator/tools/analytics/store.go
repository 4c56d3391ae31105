// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// =============================================================================
// Tabular Store
// =============================================================================

// Store runs read-only SQL over the processed stats tables. The DuckDB
// implementation below is production; tests substitute fakes.
type Store interface {
	// Query executes one statement and returns all rows as generic maps.
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Stats tables exposed as views over the parquet directory.
const (
	TablePlayerGameStats = "player_game_stats"
	TableTeamGameStats   = "team_game_stats"
)

// DuckStore implements Store over an in-process DuckDB with views mapped
// onto the parquet files produced by the external data pipeline.
//
// # Description
//
// DuckDB reads the parquet files directly; nothing is imported or copied,
// so the store always reflects the pipeline's latest output. The store is
// strictly read-only: it creates views at open time and only ever runs
// SELECTs afterward.
//
// # Thread Safety
//
// Safe for concurrent use; database/sql pools connections.
type DuckStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDuckStore opens an in-process DuckDB over the parquet directory.
//
// Inputs:
//
//	ctx        - Context for view creation.
//	parquetDir - Directory holding fact/ parquet files.
//	logger     - Logger instance. Nil selects slog.Default.
//
// Outputs:
//
//	*DuckStore - Ready-to-use store. Caller must Close it.
//	error      - Non-nil if the database or views cannot be created.
func OpenDuckStore(ctx context.Context, parquetDir string, logger *slog.Logger) (*DuckStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	views := map[string]string{
		TablePlayerGameStats: filepath.Join(parquetDir, "fact", "player_game_stats.parquet"),
		TableTeamGameStats:   filepath.Join(parquetDir, "fact", "team_game_stats.parquet"),
	}
	for view, path := range views {
		stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')", view, path)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create view %s: %w", view, err)
		}
	}

	logger.Info("analytics store ready",
		slog.String("parquet_dir", parquetDir),
		slog.Int("views", len(views)),
	)
	return &DuckStore{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *DuckStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *DuckStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Query implements Store.
func (s *DuckStore) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// asFloat converts the scan types DuckDB hands back into float64.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int:
		return float64(x), true
	case uint64:
		return float64(x), true
	case nil:
		return 0, false
	default:
		return 0, false
	}
}

// asTime extracts a timestamp scan value.
func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
