package rlm

import (
	"errors"
	"testing"
)

func TestShouldRecurseBoundary(t *testing.T) {
	for maxDepth := 1; maxDepth <= 6; maxDepth++ {
		rc := NewRecursionContext(maxDepth, []Candidate{{Model: "m"}})
		for depth := 0; depth < maxDepth; depth++ {
			rc.Depth = depth
			want := depth < maxDepth-1
			if got := rc.ShouldRecurse(); got != want {
				t.Errorf("maxDepth=%d depth=%d: ShouldRecurse() = %v, want %v", maxDepth, depth, got, want)
			}
		}
	}
}

func TestCandidateSelectionSaturates(t *testing.T) {
	rc := NewRecursionContext(5, []Candidate{{Model: "A"}, {Model: "B"}})
	want := []string{"A", "B", "B", "B", "B"}

	for depth, model := range want {
		c, ok := rc.CandidateAt(depth)
		if !ok {
			t.Fatalf("depth %d: no candidate", depth)
		}
		if c.Model != model {
			t.Errorf("depth %d: got %s, want %s", depth, c.Model, model)
		}
	}

	if _, ok := NewRecursionContext(3, nil).NextCandidate(); ok {
		t.Error("expected no candidate for an empty list")
	}
}

func TestChildChain(t *testing.T) {
	rc := NewRecursionContext(4, []Candidate{{Model: "A"}})

	levels := 1
	for rc.ShouldRecurse() {
		child, err := rc.Child()
		if err != nil {
			t.Fatalf("Child() at depth %d: %v", rc.Depth, err)
		}
		if child.Parent == nil || child.Parent.Depth != rc.Depth {
			t.Fatalf("child at depth %d has wrong parent", child.Depth)
		}
		if child.TraceID != rc.TraceID {
			t.Error("trace id should be inherited")
		}
		rc = child
		levels++
	}
	if levels != 4 {
		t.Errorf("expected 4 levels, got %d", levels)
	}

	_, err := rc.Child()
	var depthErr *MaxDepthError
	if !errors.As(err, &depthErr) {
		t.Fatalf("expected MaxDepthError, got %v", err)
	}
	if depthErr.Depth != 4 || depthErr.MaxDepth != 4 {
		t.Errorf("unexpected error fields: %+v", depthErr)
	}
}

func TestNewRecursionContextClampsDepth(t *testing.T) {
	rc := NewRecursionContext(0, nil)
	if rc.MaxDepth != 1 {
		t.Errorf("expected MaxDepth 1, got %d", rc.MaxDepth)
	}
	if rc.ShouldRecurse() {
		t.Error("a single level chain must not recurse")
	}
	if rc.TraceID == "" {
		t.Error("expected a trace id")
	}
}
