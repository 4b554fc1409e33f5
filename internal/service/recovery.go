package service

import (
	"context"
	"log"
	"time"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend/claude"
	"github.com/GGPrompts/chatbridge/internal/procreg"
)

// Recover finalizes a generation whose client detached. If the engine is
// still running it waits (bounded); once done, the persisted result is
// returned, or the capture buffer is reassembled when the generation
// goroutine never got to persist. Calling Recover twice is safe: the second
// call finds the flag cleared and returns the stored message.
func (s *Service) Recover(ctx context.Context, conversationID string) (*domain.Message, error) {
	st, err := s.state.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		// Nothing in flight; the result, if any, is already in the log.
		return s.lastAssistant(conversationID)
	}

	h := s.procs.Get(conversationID)
	if h == nil {
		// The flag survived a restart but the process did not.
		s.clearState(conversationID)
		return nil, domain.NewEngineError(domain.ErrKindRecoveryFailed, st.Backend,
			"generation was interrupted and its process is gone", nil)
	}

	if err := s.waitDone(ctx, h); err != nil {
		return nil, err
	}

	// The generation goroutine persists and clears on its own once the
	// stream closes; give it a grace period before reconstructing ourselves.
	if cleared := s.waitCleared(ctx, conversationID); cleared {
		return s.lastAssistant(conversationID)
	}

	text, usage, model, perr := parseCapture(st.Backend, h.Capture().String())
	if perr != nil || text == "" {
		s.clearState(conversationID)
		return nil, domain.NewEngineError(domain.ErrKindRecoveryFailed, st.Backend,
			"could not reconstruct output from captured stream", perr)
	}

	// Dedupe against the log tail in case persistence won the race after all.
	if last, err := s.lastAssistant(conversationID); err == nil && last != nil && last.Content == text {
		s.clearState(conversationID)
		return last, nil
	}

	stored, err := s.logs.Append(conversationID, domain.Message{
		Role:    domain.RoleAssistant,
		Content: text,
		Backend: st.Backend,
		Model:   model,
		Metadata: &domain.MessageMetadata{
			Usage:     usage,
			Recovered: true,
		},
	})
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrKindRecoveryFailed, st.Backend,
			"failed to persist recovered message", err)
	}
	s.clearState(conversationID)
	log.Printf("INFO: recovered generation for %s from captured output (%d bytes)", conversationID, len(text))
	return &stored, nil
}

// waitDone blocks until the handle's generation finishes, polling so a
// handle reset by a new generation is picked up, capped at RecoveryMaxWait.
func (s *Service) waitDone(ctx context.Context, h *procreg.Handle) error {
	deadline := time.NewTimer(s.cfg.RecoveryMaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		if !h.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return domain.NewEngineError(domain.ErrKindTimeout, h.Backend,
				"generation still running after recovery wait", nil)
		case <-ticker.C:
		}
	}
}

// waitCleared polls the generation flag for a few intervals, reporting
// whether the generation goroutine cleared it itself.
func (s *Service) waitCleared(ctx context.Context, conversationID string) bool {
	for i := 0; i < 3; i++ {
		active, err := s.state.IsActive(ctx, conversationID)
		if err != nil {
			log.Printf("WARN: failed to check generation state for %s: %v", conversationID, err)
			return false
		}
		if !active {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.RecoveryInterval):
		}
	}
	return false
}

// parseCapture reassembles the final text from a raw capture. Structured
// protocols replay through their live parser; passthrough engines captured
// the final text verbatim.
func parseCapture(backendName, raw string) (string, *domain.Usage, string, error) {
	switch backendName {
	case claude.Name:
		return claude.ParseCapture(raw)
	default:
		return raw, nil, "", nil
	}
}

// Reconcile returns messages appended after sinceMessageID, for a client
// switching back to a conversation. While a generation is active the live
// relay owns the tail, so Reconcile stays out of its way and returns nothing.
func (s *Service) Reconcile(ctx context.Context, conversationID, sinceMessageID string) ([]domain.Message, error) {
	active, err := s.state.IsActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}

	messages, err := s.logs.Read(conversationID)
	if err != nil {
		return nil, err
	}
	if sinceMessageID == "" {
		return messages, nil
	}
	for i, m := range messages {
		if m.MessageID == sinceMessageID {
			return messages[i+1:], nil
		}
	}
	return messages, nil
}

func (s *Service) lastAssistant(conversationID string) (*domain.Message, error) {
	messages, err := s.logs.Read(conversationID)
	if err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			m := messages[i]
			return &m, nil
		}
	}
	return nil, nil
}
