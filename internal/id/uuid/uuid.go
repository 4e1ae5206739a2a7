// Package uuid generates time-ordered identifiers for verification runs and
// API requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 values.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewRunID returns a UUIDv7 for a verification run.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewRequestID returns a UUIDv7 string, falling back to a random UUID if the
// clock-based generator fails.
func (g Generator) NewRequestID() string {
	if id, err := g.NewRunID(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
