package service

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/contextbuilder"
	"github.com/GGPrompts/chatbridge/internal/procreg"
)

// Generate produces one assistant turn, relaying fragments to sink as they
// arrive. It blocks until the generation finishes, fails, or is stopped. A
// detached sink does not abort the engine; the result still lands in the log
// so Recover can hand it over later.
func (s *Service) Generate(ctx context.Context, req domain.ChatRequest, sink Sink) error {
	if req.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if req.Content == "" {
		return fmt.Errorf("content is required")
	}

	backendName := req.Backend
	if backendName == "" {
		backendName = backend.FallbackName
	}
	adapter, err := s.backends.Get(backendName)
	if err != nil {
		return err
	}

	// In-flight guard. Two tabs firing at the same conversation in the same
	// tick must not both proceed; the loser is rejected before it appends
	// anything.
	if !s.tryAcquire(req.ConversationID) {
		return domain.NewEngineError(domain.ErrKindDuplicateRequest, backendName,
			"a generation is already in flight for "+req.ConversationID, nil)
	}
	defer s.release(req.ConversationID)

	// The durable flag is claimed in the same step, atomically, so another
	// orchestrator process sharing the database loses the same race.
	claimed, err := s.state.Claim(ctx, req.ConversationID, backendName)
	if err != nil {
		return err
	}
	if !claimed {
		return domain.NewEngineError(domain.ErrKindDuplicateRequest, backendName,
			"a generation is already in flight for "+req.ConversationID, nil)
	}
	defer s.clearState(req.ConversationID)

	settings, err := s.resolveSettings(ctx, req, backendName)
	if err != nil {
		return err
	}

	if _, err := s.logs.Append(req.ConversationID, domain.Message{
		Role:    domain.RoleUser,
		Content: req.Content,
	}); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}

	history, err := s.logs.Read(req.ConversationID)
	if err != nil {
		log.Printf("WARN: failed to read history for %s: %v", req.ConversationID, err)
	}
	built := contextbuilder.Build(history, backendName, settings.SystemPrompt, settings.MaxContextMessages)

	handle, err := s.handleFor(req.ConversationID, backendName, req)
	if err != nil {
		return err
	}
	handle.Begin()

	// The generation runs on a detached context so a dropped HTTP connection
	// cannot kill the engine mid-thought. Stop cancels it explicitly.
	genCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GenerateTimeout)
	defer cancel()
	s.registerCancel(req.ConversationID, cancel)
	defer s.releaseCancel(req.ConversationID)

	continuation := req.SessionContinuationID
	if continuation == "" {
		continuation = handle.Continuation()
	}

	breq := backend.Request{
		ConversationID: req.ConversationID,
		SystemPrompt:   built.SystemPrompt,
		Turns:          built.Turns,
		Settings:       settings,
		WorkingDir:     req.WorkingDir,
		Continuation:   continuation,
		RawCapture:     handle.Capture(),
		OnSpawn:        handle.AttachProcess,
		SessionGet:     handle.Session,
		SessionSet:     handle.AttachSession,
	}

	var detached atomic.Bool
	emit := func(delta string) error {
		handle.Touch()
		if detached.Load() {
			return nil
		}
		if err := sink(domain.Fragment{Content: delta}); err != nil {
			detached.Store(true)
			log.Printf("WARN: client detached from %s, continuing generation for recovery", req.ConversationID)
		}
		return nil
	}

	start := time.Now()
	result, streamErr := adapter.Stream(genCtx, breq, emit)
	handle.MarkDone(streamErr)

	if streamErr != nil {
		s.persistFailure(req, backendName, result, streamErr, start)
		s.send(sink, &detached, domain.Fragment{Error: streamErr.Error(), Done: true})
		return streamErr
	}

	meta := &domain.MessageMetadata{
		Usage:      result.Usage,
		DurationMs: time.Since(start).Milliseconds(),
		WorkingDir: req.WorkingDir,
		Tools:      settings.Backend(backendName).AllowedTools,
	}
	if _, err := s.logs.Append(req.ConversationID, domain.Message{
		Role:     domain.RoleAssistant,
		Content:  result.Text,
		Backend:  backendName,
		Model:    result.Model,
		Metadata: meta,
	}); err != nil {
		log.Printf("ERROR: failed to persist assistant message for %s: %v", req.ConversationID, err)
	}
	if result.Continuation != "" {
		handle.SetContinuation(result.Continuation)
	}

	s.send(sink, &detached, domain.Fragment{
		Done:                  true,
		Usage:                 result.Usage,
		SessionContinuationID: handle.Continuation(),
	})
	return nil
}

// resolveSettings layers the request's settings (legacy shapes migrated) over
// the configured defaults, applies a request-level model override, and runs
// the backend block through the tool policy.
func (s *Service) resolveSettings(ctx context.Context, req domain.ChatRequest, backendName string) (domain.ChatSettings, error) {
	settings, err := domain.NormalizeSettings(req.Settings, backendName)
	if err != nil {
		return domain.ChatSettings{}, err
	}
	settings = domain.MergeSettings(s.defaults, settings)

	block := settings.Backend(backendName)
	if req.Model != "" {
		block.Model = req.Model
	}
	if s.policy != nil {
		block, err = s.policy.Apply(ctx, backendName, req.WorkingDir, block)
		if err != nil {
			return domain.ChatSettings{}, fmt.Errorf("policy evaluation failed: %w", err)
		}
	}
	if settings.Backends == nil {
		settings.Backends = make(map[string]domain.BackendSettings)
	}
	settings.Backends[backendName] = block
	return settings, nil
}

// handleFor returns the conversation's registry handle, replacing it when the
// caller switched backends (a claude handle is useless to codex).
func (s *Service) handleFor(conversationID, backendName string, req domain.ChatRequest) (*procreg.Handle, error) {
	factory := func() (*procreg.Handle, error) {
		h := procreg.NewHandle(conversationID, backendName)
		h.Model = req.Model
		h.WorkingDir = req.WorkingDir
		return h, nil
	}
	handle, _, err := s.procs.GetOrCreate(conversationID, factory)
	if err != nil {
		return nil, err
	}
	if handle.Backend != backendName {
		s.procs.Remove(conversationID)
		handle, _, err = s.procs.GetOrCreate(conversationID, factory)
		if err != nil {
			return nil, err
		}
	}
	return handle, nil
}

// persistFailure records what a failed or cancelled generation leaves behind:
// cancelled runs keep their partial content flagged truncated, other failures
// get one synthetic assistant message so the transcript explains itself.
func (s *Service) persistFailure(req domain.ChatRequest, backendName string, result *backend.Result, streamErr error, start time.Time) {
	if domain.KindOf(streamErr) == domain.ErrKindCancelled {
		if result == nil || result.Text == "" {
			return
		}
		_, err := s.logs.Append(req.ConversationID, domain.Message{
			Role:    domain.RoleAssistant,
			Content: result.Text,
			Backend: backendName,
			Model:   result.Model,
			Metadata: &domain.MessageMetadata{
				Truncated:  true,
				DurationMs: time.Since(start).Milliseconds(),
				WorkingDir: req.WorkingDir,
			},
		})
		if err != nil {
			log.Printf("ERROR: failed to persist truncated message for %s: %v", req.ConversationID, err)
		}
		return
	}

	_, err := s.logs.Append(req.ConversationID, domain.Message{
		Role:     domain.RoleAssistant,
		Content:  "Generation failed: " + streamErr.Error() + ". The " + backend.FallbackName + " backend is always available as a fallback.",
		Backend:  backendName,
		Metadata: &domain.MessageMetadata{Error: true},
	})
	if err != nil {
		log.Printf("ERROR: failed to persist failure message for %s: %v", req.ConversationID, err)
	}
}

func (s *Service) send(sink Sink, detached *atomic.Bool, frag domain.Fragment) {
	if detached.Load() {
		return
	}
	if err := sink(frag); err != nil {
		detached.Store(true)
	}
}

func (s *Service) clearState(conversationID string) {
	if err := s.state.Clear(context.Background(), conversationID); err != nil {
		log.Printf("ERROR: failed to clear generation state for %s: %v", conversationID, err)
	}
}

// Stop force-terminates the generation for a conversation. It reports whether
// anything was actually stopped.
func (s *Service) Stop(ctx context.Context, conversationID string) bool {
	stopped := false

	s.mu.Lock()
	if cancel, ok := s.cancels[conversationID]; ok {
		cancel()
		stopped = true
	}
	s.mu.Unlock()

	if h := s.procs.Get(conversationID); h != nil && h.Running() {
		s.procs.Remove(conversationID)
		stopped = true
	}

	if !stopped {
		// A flag with nothing behind it is stale state from a crash.
		if active, err := s.state.IsActive(ctx, conversationID); err == nil && active {
			s.clearState(conversationID)
			stopped = true
		}
	}
	return stopped
}

// ProcessStatus reports whether a conversation has a registered handle and
// whether its generation is still running.
func (s *Service) ProcessStatus(conversationID string) domain.ProcessStatus {
	h := s.procs.Get(conversationID)
	if h == nil {
		return domain.ProcessStatus{}
	}
	return domain.ProcessStatus{HasProcess: true, Running: h.Running()}
}

// RemoveProcess tears down and forgets the handle for a conversation.
func (s *Service) RemoveProcess(conversationID string) {
	s.procs.Remove(conversationID)
}
