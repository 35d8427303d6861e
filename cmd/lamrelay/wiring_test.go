package main

import (
	"testing"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/session"
)

func TestNewTrimmer(t *testing.T) {
	pairs := newTrimmer(config.SessionsConfig{TrimMode: config.TrimPairs, HistoryPairs: 3})
	if p, ok := pairs.(session.PairTrimmer); !ok || p.MaxPairs != 3 {
		t.Errorf("newTrimmer(pairs) = %#v, want PairTrimmer{3}", pairs)
	}
	tokens := newTrimmer(config.SessionsConfig{TrimMode: config.TrimTokens, HistoryTokens: 2048})
	if tt, ok := tokens.(session.TokenTrimmer); !ok || tt.MaxTokens != 2048 {
		t.Errorf("newTrimmer(tokens) = %#v, want TokenTrimmer{2048}", tokens)
	}
}

func TestProjectPrompts(t *testing.T) {
	got := projectPrompts([]config.ProjectConfig{
		{Name: "maze", SystemPrompt: "You guide a maze runner."},
		{Name: "oracle"},
	})
	if len(got) != 1 || got["maze"] != "You guide a maze runner." {
		t.Errorf("projectPrompts() = %v", got)
	}
}
