package settlement_test

import (
	"errors"
	"testing"

	"betledger/internal/settlement"
)

type stubDBChecker struct {
	settled map[string]bool
	err     error
	calls   int
}

func (s *stubDBChecker) IsSettled(matchID, marketID string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.settled[matchID+"/"+marketID], nil
}

// ============================================================================
// Test: Dedup
// ============================================================================

func TestDedup_MarkAndCheck(t *testing.T) {
	d := settlement.NewDedup(10, nil)

	if d.IsSettled("m1", "match_odds") {
		t.Error("fresh market should not be settled")
	}
	d.MarkSettled("m1", "match_odds")
	if !d.IsSettled("m1", "match_odds") {
		t.Error("marked market should be settled")
	}
	if d.IsSettled("m1", "innings_runs") {
		t.Error("other market on the same match should be unaffected")
	}
}

func TestDedup_ColdPathHitsDB(t *testing.T) {
	db := &stubDBChecker{settled: map[string]bool{"m1/match_odds": true}}
	d := settlement.NewDedup(10, db)

	if !d.IsSettled("m1", "match_odds") {
		t.Fatal("market settled before restart must be detected via DB")
	}
	if db.calls != 1 {
		t.Errorf("db calls = %d, want 1", db.calls)
	}

	// Second check is served from the warmed LRU.
	if !d.IsSettled("m1", "match_odds") {
		t.Fatal("warmed market should stay settled")
	}
	if db.calls != 1 {
		t.Errorf("db calls after warm = %d, want still 1", db.calls)
	}
}

func TestDedup_DBErrorTreatedAsNotSettled(t *testing.T) {
	db := &stubDBChecker{err: errors.New("connection refused")}
	d := settlement.NewDedup(10, db)

	if d.IsSettled("m1", "match_odds") {
		t.Error("db error must fall back to not-settled")
	}
}

func TestDedup_LRUEvictsOldest(t *testing.T) {
	d := settlement.NewDedup(2, nil)

	d.MarkSettled("m1", "a")
	d.MarkSettled("m1", "b")
	d.MarkSettled("m1", "c")

	if d.Size() != 2 {
		t.Errorf("size = %d, want 2", d.Size())
	}
	if d.IsSettled("m1", "a") {
		t.Error("oldest entry should have been evicted")
	}
	if !d.IsSettled("m1", "b") || !d.IsSettled("m1", "c") {
		t.Error("recent entries should survive")
	}
}

func TestDedup_ContainsPromotes(t *testing.T) {
	d := settlement.NewDedup(2, nil)

	d.MarkSettled("m1", "a")
	d.MarkSettled("m1", "b")

	// Touch a so b becomes the eviction candidate.
	if !d.IsSettled("m1", "a") {
		t.Fatal("a should be settled")
	}
	d.MarkSettled("m1", "c")

	if !d.IsSettled("m1", "a") {
		t.Error("recently touched entry should survive eviction")
	}
	if d.IsSettled("m1", "b") {
		t.Error("least recently used entry should have been evicted")
	}
}
