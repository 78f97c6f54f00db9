package context

import (
	"strings"
	"testing"
)

func estimatingEngine(maxTokens int) *Engine {
	return &Engine{maxTokens: maxTokens}
}

func TestTruncateWithinBudget(t *testing.T) {
	e := estimatingEngine(100)
	in := "short output"
	if got := e.Truncate(in); got != in {
		t.Errorf("expected unchanged text, got %q", got)
	}
}

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	e := estimatingEngine(8)
	in := "HEADHEAD" + strings.Repeat("x", 400) + "TAILTAILTAILTAILTAILTAILTAIL"

	got := e.Truncate(in)
	if !strings.HasPrefix(got, "HEADHEAD") {
		t.Errorf("expected head preserved, got %q", got)
	}
	if !strings.HasSuffix(got, "TAILTAILTAILTAILTAILTAIL") {
		t.Errorf("expected tail preserved, got %q", got)
	}
	if !strings.Contains(got, "tokens truncated") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if len(got) >= len(in) {
		t.Errorf("expected shorter output, got %d >= %d", len(got), len(in))
	}
}

func TestTruncateDisabled(t *testing.T) {
	var e *Engine
	in := strings.Repeat("y", 1000)
	if got := e.Truncate(in); got != in {
		t.Error("nil engine must not truncate")
	}
	if got := estimatingEngine(0).Truncate(in); got != in {
		t.Error("zero budget must not truncate")
	}
}

func TestCountTokensEstimate(t *testing.T) {
	e := estimatingEngine(10)
	if n := e.CountTokens("abcdefgh"); n != 2 {
		t.Errorf("expected 2 tokens, got %d", n)
	}
	if n := e.CountTokens("abcdefghi"); n != 3 {
		t.Errorf("expected 3 tokens, got %d", n)
	}
}
