package iam

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/errors"
)

// Directory resolves principals and answers role questions.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (Principal, error)
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)
}

// InMemoryDirectory implements Directory using in-memory storage
type InMemoryDirectory struct {
	mu         sync.RWMutex
	principals map[uuid.UUID]Principal
}

// NewInMemoryDirectory creates a new in-memory directory
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		principals: make(map[uuid.UUID]Principal),
	}
}

// Add registers a principal. Used for seeding demo data and tests.
func (d *InMemoryDirectory) Add(p Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.ID] = p
}

func (d *InMemoryDirectory) GetByID(ctx context.Context, id uuid.UUID) (Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.principals[id]
	if !ok {
		return Principal{}, errors.NotFound("principal", id.String())
	}
	return p, nil
}

func (d *InMemoryDirectory) IsAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := d.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return p.HasRole(AdminRole), nil
}
