// Package scripting runs user JavaScript that commits recognition results
// into application state.
package scripting

import (
	"context"
)

// Engine represents a scripting engine (e.g., JavaScript).
type Engine interface {
	// Execute evaluates a script in the engine's global scope.
	Execute(ctx context.Context, script string) (interface{}, error)

	// Call invokes a global function by name.
	Call(ctx context.Context, fn string, args ...interface{}) (interface{}, error)

	// RegisterHost exposes the host API to scripts.
	RegisterHost(host Host) error
}

// Host is the controlled API scripts see as the `host` global and through
// `console`.
type Host interface {
	// Log records a message from the script.
	Log(level, message string)

	// SaveState persists a JSON-compatible value as the committed state.
	SaveState(value interface{}) error

	// LoadState returns the last committed state, or nil.
	LoadState() (interface{}, error)
}
