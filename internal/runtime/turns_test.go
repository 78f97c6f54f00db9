package runtime

import "testing"

func TestTurns(t *testing.T) {
	var turns Turns
	if turns.Aborted(turns.Current()) {
		t.Fatal("nothing should be aborted initially")
	}

	first := turns.Current()
	turns.Abort()
	if !turns.Aborted(first) {
		t.Error("current turn should be aborted")
	}

	second := turns.Next()
	if second <= first {
		t.Fatalf("Next = %d, want > %d", second, first)
	}
	if turns.Aborted(second) {
		t.Error("new turn should not inherit the abort")
	}
	if !turns.Aborted(first) {
		t.Error("earlier turn should stay aborted")
	}

	turns.Next()
	turns.Abort()
	if !turns.Aborted(second) {
		t.Error("aborting covers every earlier turn")
	}
}
