// Package agents is the agent-tree topology collaborator: an index from
// account id to parent agent id. The hierarchy is a tree reached through
// parent back-references; nothing here owns the accounts themselves.
package agents

import (
	"sync"

	"github.com/google/uuid"
)

// Index is an in-memory id -> parent id map, populated at onboarding.
type Index struct {
	mu      sync.RWMutex
	parents map[uuid.UUID]uuid.UUID
}

func NewIndex() *Index {
	return &Index{parents: make(map[uuid.UUID]uuid.UUID)}
}

// Register records a node and its upline. parent == uuid.Nil marks a root.
func (i *Index) Register(id, parent uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.parents[id] = parent
}

// ParentOf resolves the upline of a node. The second result is false when
// the node itself is unknown to the directory; a known root returns
// (uuid.Nil, true).
func (i *Index) ParentOf(id uuid.UUID) (uuid.UUID, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	parent, ok := i.parents[id]
	return parent, ok
}
