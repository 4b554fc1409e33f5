// Package mock is a canned-response backend. It needs no external binary, so
// it is always available and serves as the fallback when nothing else is.
package mock

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
)

const (
	Name = "mock"

	// Delay range between emitted words, to mimic generation pacing.
	minWordDelay = 10 * time.Millisecond
	maxWordDelay = 40 * time.Millisecond
)

// canned maps lowercase keywords to responses. First match wins, in order.
var canned = []struct {
	keyword  string
	response string
}{
	{"2+2", "2+2 equals 4."},
	{"hello", "Hello! I'm the mock backend. I return canned responses for testing."},
	{"help", "I can echo canned answers so you can exercise the chat pipeline without a real engine."},
	{"error", "This is a canned response, not an error. Everything is working."},
}

const fallbackResponse = "This is a mock response. Install one of the real backends to get actual answers."

// Adapter emits canned responses word by word.
type Adapter struct {
	// delay overrides the randomized pacing in tests. Zero means randomized.
	delay time.Duration
}

// New creates the mock adapter.
func New() *Adapter { return &Adapter{} }

// NewWithDelay creates the mock adapter with a fixed inter-word delay,
// useful in tests that need deterministic pacing.
func NewWithDelay(d time.Duration) *Adapter { return &Adapter{delay: d} }

func (a *Adapter) Name() string { return Name }

// Probe always succeeds; the mock backend has no external dependency.
func (a *Adapter) Probe(ctx context.Context) error { return nil }

// Stream emits the canned response word by word with small delays, honoring
// cancellation between words.
func (a *Adapter) Stream(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
	response := respond(lastUserContent(req.Turns))

	words := strings.Fields(response)
	var text strings.Builder
	for i, word := range words {
		select {
		case <-ctx.Done():
			return &backend.Result{Text: text.String()},
				domain.NewEngineError(domain.ErrKindCancelled, Name, "generation cancelled", ctx.Err())
		default:
		}

		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		text.WriteString(chunk)
		if req.RawCapture != nil {
			req.RawCapture.Write([]byte(chunk))
		}
		if err := emit(chunk); err != nil {
			return nil, domain.NewEngineError(domain.ErrKindCancelled, Name, "consumer stopped", err)
		}
		time.Sleep(a.wordDelay())
	}

	return &backend.Result{
		Text:  text.String(),
		Model: "mock-1",
		Usage: &domain.Usage{
			PromptTokens:     len(req.Turns),
			CompletionTokens: len(words),
			TotalTokens:      len(req.Turns) + len(words),
		},
	}, nil
}

func (a *Adapter) wordDelay() time.Duration {
	if a.delay != 0 {
		return a.delay
	}
	return minWordDelay + time.Duration(rand.Int63n(int64(maxWordDelay-minWordDelay)))
}

// respond picks the first canned entry whose keyword appears in the prompt.
func respond(prompt string) string {
	lowered := strings.ToLower(prompt)
	for _, entry := range canned {
		if strings.Contains(lowered, entry.keyword) {
			return entry.response
		}
	}
	return fallbackResponse
}

func lastUserContent(turns []domain.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
