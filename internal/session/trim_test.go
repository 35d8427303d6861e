package session

import (
	"slices"
	"testing"

	"github.com/nugget/lamrelay/internal/llm"
)

// conv builds a history from a compact pattern: "s" system, "u" user,
// "a" assistant; content is the role letter plus its index.
func conv(pattern string) []llm.Turn {
	roleOf := map[byte]llm.Role{'s': llm.RoleSystem, 'u': llm.RoleUser, 'a': llm.RoleAssistant}
	out := make([]llm.Turn, len(pattern))
	for i := range pattern {
		out[i] = llm.Turn{Role: roleOf[pattern[i]], Content: string(pattern[i]) + string(rune('0'+i))}
	}
	return out
}

func TestPairTrimmer(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		maxPairs int
		want     []string
	}{
		{"under limit", "suau", 3, []string{"s0", "u1", "a2", "u3"}},
		{"drops oldest exchange", "suauau", 2, []string{"s0", "u3", "a4", "u5"}},
		{"limit one keeps only new user", "suauau", 1, []string{"s0", "u5"}},
		{"orphan user turns count as exchanges", "suuau", 2, []string{"s0", "u2", "a3", "u4"}},
		{"system only", "s", 1, []string{"s0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := contents(PairTrimmer{MaxPairs: tt.maxPairs}.Trim(conv(tt.in)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Trim(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPairTrimmer_CapsNonSystemTurns(t *testing.T) {
	// An exchange with two assistant turns would exceed 2N.
	in := conv("suaauaa")
	got := PairTrimmer{MaxPairs: 1}.Trim(in)
	if len(got) != 3 || got[0].Role != llm.RoleSystem {
		t.Errorf("Trim() = %q, want system plus 2 turns", contents(got))
	}
}

func TestPairTrimmer_DoesNotAlias(t *testing.T) {
	in := conv("suau")
	out := PairTrimmer{MaxPairs: 5}.Trim(in)
	out[1].Content = "changed"
	if in[1].Content == "changed" {
		t.Error("Trim() returned a slice aliasing its input")
	}
}

func TestTokenTrimmer(t *testing.T) {
	one := func(string) int { return 1 }
	// Each turn costs 1 + perTurnOverhead = 5.
	tests := []struct {
		name string
		in   string
		max  int
		want []string
	}{
		{"fits", "suau", 20, []string{"s0", "u1", "a2", "u3"}},
		{"drops oldest", "suauau", 20, []string{"s0", "u3", "a4", "u5"}},
		{"newest survives over budget", "suau", 1, []string{"s0", "u3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := contents(TokenTrimmer{MaxTokens: tt.max, Count: one}.Trim(conv(tt.in)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Trim(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hi", 1},
		{"one two three four five", 5},
		{"abcdefghijklmnopqrstuvwxyz", 6},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
