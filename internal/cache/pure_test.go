package cache

import (
	"testing"
)

func TestHashIP(t *testing.T) {
	t.Parallel()

	seen := make(map[string]string)
	for _, ip := range []string{"203.0.113.7", "203.0.113.8", "::1", "2001:db8::1", ""} {
		h := hashIP(ip)
		if len(h) != 16 {
			t.Errorf("hashIP(%q) length = %d, want 16", ip, len(h))
		}
		if h != hashIP(ip) {
			t.Errorf("hashIP(%q) is not deterministic", ip)
		}
		if other, ok := seen[h]; ok {
			t.Errorf("hashIP(%q) collides with %q", ip, other)
		}
		seen[h] = ip
	}
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"comparison-guide-", "comparison-guide-"},
		{"a*b", `a\*b`},
		{"q?[x]", `q\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
