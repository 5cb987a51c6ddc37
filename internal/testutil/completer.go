package testutil

import (
	"context"
	"sync"

	"github.com/koobs1993/mindwell/chat"
)

// ScriptedCompleter is a chat.Completer that replays canned replies in
// order. When the script is exhausted it keeps returning the last entry;
// an entry with a non-nil Err fails the call instead of replying.
//
// Safe for concurrent use. Calls records every request's turns for
// assertions on what the engine sent.
type ScriptedCompleter struct {
	mu      sync.Mutex
	script  []ScriptEntry
	calls   [][]chat.Turn
	nextIdx int
}

// ScriptEntry is one scripted exchange.
type ScriptEntry struct {
	Reply string
	Err   error
}

// NewScriptedCompleter builds a completer from replies, each becoming a
// successful entry.
func NewScriptedCompleter(replies ...string) *ScriptedCompleter {
	entries := make([]ScriptEntry, len(replies))
	for i, r := range replies {
		entries[i] = ScriptEntry{Reply: r}
	}
	return &ScriptedCompleter{script: entries}
}

// NewScriptedCompleterEntries builds a completer from explicit entries,
// allowing scripted failures.
func NewScriptedCompleterEntries(entries ...ScriptEntry) *ScriptedCompleter {
	return &ScriptedCompleter{script: entries}
}

// Complete returns the next scripted reply or error.
func (c *ScriptedCompleter) Complete(_ context.Context, turns []chat.Turn) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, append([]chat.Turn(nil), turns...))

	if len(c.script) == 0 {
		return "", nil
	}
	entry := c.script[min(c.nextIdx, len(c.script)-1)]
	c.nextIdx++
	if entry.Err != nil {
		return "", entry.Err
	}
	return entry.Reply, nil
}

// Calls returns a copy of the turn slices passed to Complete, in order.
func (c *ScriptedCompleter) Calls() [][]chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]chat.Turn, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount reports how many times Complete was invoked.
func (c *ScriptedCompleter) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
