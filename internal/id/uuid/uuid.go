// Package uuid generates batch run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues version 7 UUIDs. Their leading bits carry the creation
// time, so run IDs sort in start order in logs and the progress store.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID returns the next run ID.
func (*Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	return id.String(), nil
}
