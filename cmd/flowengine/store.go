package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/flowengine/internal/store"
)

// openStore opens and migrates the run database. A bare path is treated as
// a local file; URLs (file:, libsql:, http:) pass through.
func openStore(ctx context.Context, dbPath string) (*store.LibSQLStore, error) {
	dsn := dbPath
	if !strings.Contains(dbPath, ":") || filepath.IsAbs(dbPath) {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + dbPath
	}

	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
