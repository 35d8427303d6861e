package session

import "github.com/nugget/lamrelay/internal/llm"

// Trimmer bounds the history sent upstream. Implementations receive the
// full history with the system turn at index 0 and the newest user turn
// last, and return a new slice. They never drop turn 0.
type Trimmer interface {
	Trim(turns []llm.Turn) []llm.Turn
}

// exchanges splits the non-system turns into groups that each begin at
// a user turn. Turns before the first user turn form a leading group.
func exchanges(turns []llm.Turn) [][]llm.Turn {
	var groups [][]llm.Turn
	for _, t := range turns {
		if t.Role == llm.RoleUser || len(groups) == 0 {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], t)
	}
	return groups
}

func rebuild(system llm.Turn, groups [][]llm.Turn) []llm.Turn {
	out := []llm.Turn{system}
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// PairTrimmer keeps the system turn plus the newest MaxPairs exchanges,
// counting the just-appended user turn as the newest exchange. At most
// 2*MaxPairs non-system turns survive.
type PairTrimmer struct {
	MaxPairs int
}

func (p PairTrimmer) Trim(turns []llm.Turn) []llm.Turn {
	if len(turns) == 0 || p.MaxPairs <= 0 {
		return append([]llm.Turn(nil), turns...)
	}

	groups := exchanges(turns[1:])
	if len(groups) > p.MaxPairs {
		groups = groups[len(groups)-p.MaxPairs:]
	}
	out := rebuild(turns[0], groups)

	if limit := 2*p.MaxPairs + 1; len(out) > limit {
		out = append([]llm.Turn{out[0]}, out[len(out)-(limit-1):]...)
	}
	return out
}

// perTurnOverhead approximates the chat template tokens wrapped around
// each message.
const perTurnOverhead = 4

// TokenTrimmer drops the oldest exchanges while the estimated prompt
// size exceeds MaxTokens. The newest exchange always survives, even if
// it alone is over budget.
type TokenTrimmer struct {
	MaxTokens int
	// Count estimates tokens in a string. Nil uses [CountTokens].
	Count func(string) int
}

func (t TokenTrimmer) Trim(turns []llm.Turn) []llm.Turn {
	if len(turns) == 0 || t.MaxTokens <= 0 {
		return append([]llm.Turn(nil), turns...)
	}
	count := t.Count
	if count == nil {
		count = CountTokens
	}
	cost := func(turn llm.Turn) int { return count(turn.Content) + perTurnOverhead }

	total := cost(turns[0])
	groups := exchanges(turns[1:])
	sizes := make([]int, len(groups))
	for i, g := range groups {
		for _, turn := range g {
			sizes[i] += cost(turn)
		}
		total += sizes[i]
	}

	drop := 0
	for total > t.MaxTokens && drop < len(groups)-1 {
		total -= sizes[drop]
		drop++
	}
	return rebuild(turns[0], groups[drop:])
}
