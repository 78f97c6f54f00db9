package sandbox

import "testing"

func TestIgnored(t *testing.T) {
	patterns := DefaultExcludes()
	tests := []struct {
		path string
		want bool
	}{
		{"src/index.ts", false},
		{"node_modules", true},
		{"node_modules/react/index.js", true},
		{"apps/web/node_modules/x", true},
		{".git/HEAD", true},
		{"dist/bundle.js", true},
		{"src/dist.ts", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Ignored(patterns, tt.path); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIgnoredNoPatterns(t *testing.T) {
	if Ignored(nil, "node_modules/x") {
		t.Error("nil pattern list should ignore nothing")
	}
}
