package story

import (
	"fmt"
	"sync"
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Registry is the shared story table. Reads return clones; all
// mutations go through Update so status changes are serialized per
// registry and callers never see partial writes.
type Registry struct {
	mu      sync.RWMutex
	stories map[string]*Story
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stories: make(map[string]*Story)}
}

// Put inserts a story. Inserting a duplicate ID is an error.
func (r *Registry) Put(s *Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stories[s.ID]; ok {
		return fmt.Errorf("story %s already exists", s.ID)
	}
	r.stories[s.ID] = s.Clone()
	return nil
}

// Get returns a clone of the story, or false if it does not exist.
func (r *Registry) Get(id string) (*Story, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Update applies fn to the stored story under the registry lock.
// Terminal stories are immutable; updating one is an error.
func (r *Registry) Update(id string, fn func(*Story) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stories[id]
	if !ok {
		return fmt.Errorf("story %s not found", id)
	}
	if s.Terminal() {
		return fmt.Errorf("story %s is %s and immutable", id, s.Status)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = nowUTC()
	return nil
}

// List returns clones of all stories in unspecified order.
func (r *Registry) List() []*Story {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Story, 0, len(r.stories))
	for _, s := range r.stories {
		out = append(out, s.Clone())
	}
	return out
}

// Len returns the number of stories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stories)
}
