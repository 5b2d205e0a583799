// Package uuid provides the UUID implementation of ingest.IDGenerator.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces random UUIDv4 identifiers.
type Generator struct{}

// NewID returns a new UUID string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
