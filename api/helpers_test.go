package api

import (
	"testing"
	"time"

	"github.com/GGPrompts/chatbridge/config"
	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/backend/mock"
	"github.com/GGPrompts/chatbridge/internal/genstate"
	"github.com/GGPrompts/chatbridge/internal/logstore"
	"github.com/GGPrompts/chatbridge/internal/procreg"
	"github.com/GGPrompts/chatbridge/internal/service"
)

// newTestHandler wires a handler over a real service backed by the mock
// adapter, a temp-dir log store, and an in-memory state tracker.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	logs, err := logstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("logstore.New failed: %v", err)
	}
	state, err := genstate.New(":memory:")
	if err != nil {
		t.Fatalf("genstate.New failed: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	cfg := &config.Config{
		ProbeTimeout:     time.Second,
		GenerateTimeout:  10 * time.Second,
		IdleSessionAge:   time.Minute,
		StaleGeneration:  time.Minute,
		RecoveryInterval: 10 * time.Millisecond,
		RecoveryMaxWait:  2 * time.Second,
	}
	registry := backend.NewRegistry(mock.NewWithDelay(time.Microsecond))
	svc := service.New(cfg, logs, state, registry, procreg.New(), nil, nil, domain.ChatSettings{})
	return NewHandler(svc)
}
