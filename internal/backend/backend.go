// Package backend defines the adapter contract shared by every external
// engine integration, plus the availability prober and adapter registry.
package backend

import (
	"context"
	"io"
	"os"

	"github.com/GGPrompts/chatbridge/domain"
)

// Request is the normalized input handed to an adapter for one generation.
type Request struct {
	ConversationID string
	SystemPrompt   string
	Turns          []domain.Turn
	Settings       domain.ChatSettings
	WorkingDir     string
	// Continuation is the session-continuation id from a previous turn, for
	// adapters that support it.
	Continuation string

	// RawCapture, when set, receives a tee of the raw protocol output so a
	// detached client can recover the result later.
	RawCapture io.Writer
	// OnSpawn, when set, is invoked once with the spawned process so the
	// caller can force-kill it independently of ctx.
	OnSpawn func(*os.Process)
	// SessionGet/SessionSet bind a session-capable adapter to the caller's
	// session handle, so a live connection outlives a single generation.
	SessionGet func() io.Closer
	SessionSet func(io.Closer)
}

// Result is what an adapter reports after its stream closes successfully.
type Result struct {
	Text         string
	Model        string
	Usage        *domain.Usage
	Continuation string
}

// EmitFunc receives text fragments as they arrive. Returning an error stops
// the stream; a slow consumer blocks the adapter, which is the intended
// back-pressure.
type EmitFunc func(delta string) error

// Adapter is one backend integration. Stream must terminate the underlying
// process within bounded time when ctx is cancelled, and must return a typed
// *domain.EngineError on failure.
type Adapter interface {
	Name() string
	Probe(ctx context.Context) error
	Stream(ctx context.Context, req Request, emit EmitFunc) (*Result, error)
}
