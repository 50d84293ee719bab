package idempotency

import "testing"

func TestSetContainsAfterAdd(t *testing.T) {
	t.Parallel()

	s := NewSet(10)
	if s.Contains("f1") {
		t.Fatal("empty set should not contain f1")
	}
	s.Add("f1")
	if !s.Contains("f1") {
		t.Fatal("set should contain f1 after Add")
	}
}

func TestSetEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	s := NewSet(2)
	s.Add("f1")
	s.Add("f2")
	s.Add("f3")

	if s.Contains("f1") {
		t.Error("f1 should have been evicted")
	}
	if !s.Contains("f2") || !s.Contains("f3") {
		t.Error("f2 and f3 should still be present")
	}
}

func TestSetAddIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewSet(2)
	s.Add("f1")
	s.Add("f1")
	s.Add("f2")
	if !s.Contains("f1") {
		t.Error("f1 should still be present after a duplicate Add")
	}
	if !s.Contains("f2") {
		t.Error("f2 should be present")
	}
}
