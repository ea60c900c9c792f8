package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("memory: not found")

	// ErrStoreWrite wraps every failed durable write. Callers treat it as fatal.
	ErrStoreWrite = errors.New("memory: store write failed")

	// ErrDuplicateSummary is returned when a summary already exists for the
	// same session and prompt number.
	ErrDuplicateSummary = errors.New("memory: duplicate summary")
)

func writeErr(op string, err error) error {
	return fmt.Errorf("memory: %s: %w: %w", op, ErrStoreWrite, err)
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
