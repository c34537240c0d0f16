package agents_test

import (
	"testing"

	"github.com/google/uuid"

	"betledger/internal/agents"
)

// ============================================================================
// Test: Index
// ============================================================================

func TestIndex_ParentOf(t *testing.T) {
	idx := agents.NewIndex()
	parent := uuid.New()
	child := uuid.New()

	idx.Register(parent, uuid.Nil)
	idx.Register(child, parent)

	got, ok := idx.ParentOf(child)
	if !ok {
		t.Fatal("registered child should be known")
	}
	if got != parent {
		t.Errorf("parent = %s, want %s", got, parent)
	}
}

func TestIndex_RootReturnsNil(t *testing.T) {
	idx := agents.NewIndex()
	root := uuid.New()
	idx.Register(root, uuid.Nil)

	got, ok := idx.ParentOf(root)
	if !ok {
		t.Fatal("registered root should be known")
	}
	if got != uuid.Nil {
		t.Errorf("root parent = %s, want uuid.Nil", got)
	}
}

func TestIndex_UnknownNode(t *testing.T) {
	idx := agents.NewIndex()
	if _, ok := idx.ParentOf(uuid.New()); ok {
		t.Error("unregistered node must be unknown")
	}
}

func TestIndex_ReRegisterOverwrites(t *testing.T) {
	idx := agents.NewIndex()
	node := uuid.New()
	first := uuid.New()
	second := uuid.New()

	idx.Register(node, first)
	idx.Register(node, second)

	got, _ := idx.ParentOf(node)
	if got != second {
		t.Errorf("parent = %s, want re-registered %s", got, second)
	}
}
