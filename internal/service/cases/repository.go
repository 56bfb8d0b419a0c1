package cases

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
)

// Repository persists review cases. At most one case per group is open.
type Repository interface {
	// Create stores a new open case; a conflict error means the group
	// already has one
	Create(ctx context.Context, c *fraud.Case) error
	Update(ctx context.Context, c *fraud.Case) error
	Get(ctx context.Context, id uuid.UUID) (*fraud.Case, error)
	// FindOpen returns the group's open case or nil
	FindOpen(ctx context.Context, groupID uuid.UUID) (*fraud.Case, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*fraud.Case, error)
}

// MemoryRepository keeps cases in process
type MemoryRepository struct {
	mu    sync.RWMutex
	cases map[uuid.UUID]*fraud.Case
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{cases: make(map[uuid.UUID]*fraud.Case)}
}

func (r *MemoryRepository) Create(_ context.Context, c *fraud.Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[c.ID]; ok {
		return errors.NewConflictError("case " + c.ID.String() + " already exists")
	}
	if c.IsOpen() {
		for _, existing := range r.cases {
			if existing.GroupID == c.GroupID && existing.IsOpen() {
				return errors.NewConflictError("group " + c.GroupID.String() + " already has an open case")
			}
		}
	}
	r.cases[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, c *fraud.Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.cases[c.ID]
	if !ok {
		return errors.NewNotFoundError("case")
	}
	if !existing.IsOpen() {
		return errors.NewConflictError("case " + c.ID.String() + " is resolved")
	}
	r.cases[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*fraud.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, errors.NewNotFoundError("case")
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) FindOpen(_ context.Context, groupID uuid.UUID) (*fraud.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.cases {
		if c.GroupID == groupID && c.IsOpen() {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByGroup(_ context.Context, groupID uuid.UUID) ([]*fraud.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*fraud.Case
	for _, c := range r.cases {
		if c.GroupID == groupID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
