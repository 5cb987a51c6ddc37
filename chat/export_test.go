package chat

import (
	"context"
	"time"
)

// SetEngineClock replaces the engine's time source and sleep function so
// tests can verify delay behavior without real waiting.
func SetEngineClock(e *Engine, now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		e.now = now
	}
	if sleep != nil {
		e.sleep = sleep
	}
}

// DeriveTitle exposes title derivation for tests.
func DeriveTitle(text string) string { return deriveTitle(text) }
