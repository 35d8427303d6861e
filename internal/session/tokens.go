package session

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates tokens with the cl100k_base encoding. The
// encoding loads on first use; if it cannot be loaded (offline hosts
// without a BPE cache) the rune heuristic is used instead.
func CountTokens(text string) int {
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is a cheap heuristic: max(runes/4, words), at least 1
// for non-blank text.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); n < words {
		n = words
	}
	return max(n, 1)
}
