// Package uuid generates crawl run IDs.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 run IDs, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator producing bare UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewWithPrefix creates a Generator whose IDs start with prefix.
func NewWithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a prefixed UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}

// StartedAt recovers the creation time embedded in a run ID.
func (g *Generator) StartedAt(runID string) (time.Time, error) {
	if len(runID) < len(g.prefix) || runID[:len(g.prefix)] != g.prefix {
		return time.Time{}, fmt.Errorf("run id %q lacks prefix %q", runID, g.prefix)
	}
	id, err := uuid.Parse(runID[len(g.prefix):])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run id: %w", err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("run id %q is not a UUIDv7", runID)
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
