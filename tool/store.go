package tool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Store persists tool records by id.
type Store interface {
	List(ctx context.Context) ([]Tool, error)
	Get(ctx context.Context, id string) (Tool, bool, error)
	Upsert(ctx context.Context, t Tool) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory tool store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Tool
}

// NewMemoryStore creates an empty in-memory tool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Tool),
	}
}

// List returns all tools ordered by creation time, then id.
func (s *MemoryStore) List(ctx context.Context) ([]Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tool, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, cloneTool(t))
	}
	sortTools(out)
	return out, nil
}

// Get returns one tool by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Tool, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tool{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Tool{}, false, nil
	}
	return cloneTool(t), true, nil
}

// Upsert inserts or replaces a tool by id.
func (s *MemoryStore) Upsert(ctx context.Context, t Tool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return errors.New("tool: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = cloneTool(t)
	return nil
}

// Delete removes a tool by id. Deleting a missing id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, strings.TrimSpace(id))
	return nil
}

func sortTools(tools []Tool) {
	sort.SliceStable(tools, func(i, j int) bool {
		if !tools[i].CreatedAt.Equal(tools[j].CreatedAt) {
			return tools[i].CreatedAt.Before(tools[j].CreatedAt)
		}
		return tools[i].ID < tools[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
