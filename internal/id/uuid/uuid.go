// Package uuid generates run IDs.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Timestamp returns the creation time embedded in a UUIDv7 run ID.
func Timestamp(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run id: %w", err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("run id %s is version %d, want 7", id, parsed.Version())
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
