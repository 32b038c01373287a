// Package catalog defines the engine's read-only view of the opportunity
// catalog. Opportunities are managed elsewhere; the engine only consults them
// when pathway tasks are assigned.
package catalog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"referralhub/models"
)

// VerificationMethod describes how an opportunity completion is verified.
type VerificationMethod string

const (
	VerificationManual    VerificationMethod = "MANUAL"
	VerificationAutomatic VerificationMethod = "AUTOMATIC"
)

// Opportunity is the slice of catalog state the engine cares about.
type Opportunity struct {
	ID                  uuid.UUID
	Title               string
	Published           bool
	VerificationEnabled bool
	VerificationMethod  *VerificationMethod
}

// Catalog resolves opportunities by id.
type Catalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (Opportunity, error)
}

// Memory is an in-process catalog used by tests and local tooling.
type Memory struct {
	mu            sync.RWMutex
	opportunities map[uuid.UUID]Opportunity
}

// NewMemory returns an empty in-process catalog.
func NewMemory() *Memory {
	return &Memory{opportunities: make(map[uuid.UUID]Opportunity)}
}

// Put stores or replaces an opportunity.
func (m *Memory) Put(op Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opportunities[op.ID] = op
}

// GetByID implements Catalog.
func (m *Memory) GetByID(ctx context.Context, id uuid.UUID) (Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.opportunities[id]
	if !ok {
		return Opportunity{}, models.NotFound("opportunity", id.String())
	}
	return op, nil
}
