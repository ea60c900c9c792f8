package memory

import (
	"context"
	"database/sql"
)

// DB exposes the internal *sql.DB for test helpers in memory_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailWrites makes every subsequent write return err before reaching SQLite.
func (s *Store) FailWrites(err error) {
	s.hooks.exec = func(context.Context, execer, string, ...any) (sql.Result, error) {
		return nil, err
	}
}
