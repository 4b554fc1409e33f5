// Package service is the orchestrator: it owns the generation lifecycle from
// request validation through streaming relay to durable persistence, plus the
// recovery path for clients that detached mid-generation.
package service

import (
	"context"
	"sync"

	"github.com/GGPrompts/chatbridge/config"
	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/genstate"
	"github.com/GGPrompts/chatbridge/internal/logstore"
	"github.com/GGPrompts/chatbridge/internal/ollama"
	"github.com/GGPrompts/chatbridge/internal/procreg"
	"github.com/GGPrompts/chatbridge/policy"
)

// Sink receives stream fragments for one generation. Returning an error
// means the client is gone; the generation keeps running for recovery.
type Sink func(domain.Fragment) error

type Service struct {
	cfg      *config.Config
	logs     *logstore.Store
	state    *genstate.Tracker
	backends *backend.Registry
	procs    *procreg.Registry
	policy   *policy.Engine
	ollama   *ollama.Client
	defaults domain.ChatSettings

	mu       sync.Mutex
	inflight map[string]struct{}
	cancels  map[string]context.CancelFunc
}

func New(cfg *config.Config, logs *logstore.Store, state *genstate.Tracker, backends *backend.Registry, procs *procreg.Registry, policyEngine *policy.Engine, ollamaClient *ollama.Client, defaults domain.ChatSettings) *Service {
	return &Service{
		cfg:      cfg,
		logs:     logs,
		state:    state,
		backends: backends,
		procs:    procs,
		policy:   policyEngine,
		ollama:   ollamaClient,
		defaults: defaults,
		inflight: make(map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// tryAcquire is the in-flight guard: it claims the conversation for one
// generation, synchronously, before any async work starts. Rapid repeated
// submits race on this map, not on the durable tracker.
func (s *Service) tryAcquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[conversationID]; ok {
		return false
	}
	s.inflight[conversationID] = struct{}{}
	return true
}

func (s *Service) release(conversationID string) {
	s.mu.Lock()
	delete(s.inflight, conversationID)
	s.mu.Unlock()
}

func (s *Service) registerCancel(conversationID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[conversationID] = cancel
	s.mu.Unlock()
}

func (s *Service) releaseCancel(conversationID string) {
	s.mu.Lock()
	delete(s.cancels, conversationID)
	s.mu.Unlock()
}
