package seqguard

import "testing"

func TestValidateRejectsOutOfOrder(t *testing.T) {
	g := New(0)
	if err := g.Validate(1); err != nil {
		t.Fatalf("Validate(1) on fresh guard: %v", err)
	}
	g.Commit(1)

	if err := g.Validate(1); err == nil {
		t.Fatalf("Validate(1) after commit(1) should fail (duplicate)")
	}
	if err := g.Validate(3); err == nil {
		t.Fatalf("Validate(3) after commit(1) should fail (gap)")
	}
	if err := g.Validate(2); err != nil {
		t.Fatalf("Validate(2) after commit(1): %v", err)
	}
}

func TestResetAndCurrent(t *testing.T) {
	g := New(0)
	g.Reset(42)
	if got := g.Current(); got != 42 {
		t.Fatalf("Current() = %d, want 42", got)
	}
	if err := g.Validate(43); err != nil {
		t.Fatalf("Validate(43) after reset(42): %v", err)
	}
}
