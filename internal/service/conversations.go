package service

import (
	"context"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
	"github.com/GGPrompts/chatbridge/internal/ollama"
)

// Conversations lists every stored conversation, newest first.
func (s *Service) Conversations() ([]domain.ConversationInfo, error) {
	return s.logs.List()
}

// Messages returns the full transcript for a conversation.
func (s *Service) Messages(conversationID string) ([]domain.Message, error) {
	return s.logs.Read(conversationID)
}

// LastMessages returns the newest n messages in append order.
func (s *Service) LastMessages(conversationID string, n int) ([]domain.Message, error) {
	return s.logs.ReadLast(conversationID, n)
}

// DeleteConversation removes the transcript plus any live process and state
// flag attached to it.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	s.procs.Remove(conversationID)
	s.clearState(conversationID)
	return s.logs.Delete(conversationID)
}

// ExportConversation renders the transcript as plain text.
func (s *Service) ExportConversation(conversationID string) (string, error) {
	return s.logs.Export(conversationID)
}

// PruneConversation keeps only the newest keepLast messages.
func (s *Service) PruneConversation(conversationID string, keepLast int) error {
	return s.logs.Prune(conversationID, keepLast)
}

// ModelsInfo is the availability report: configured backends plus whatever
// the local inference daemon has installed.
type ModelsInfo struct {
	Backends        []domain.BackendStatus `json:"backends"`
	OllamaAvailable bool                   `json:"ollama_available"`
	OllamaModels    []ollama.Model         `json:"ollama_models,omitempty"`
}

// Models probes every backend and lists local inference models. Probe
// failures degrade to unavailable entries; an unreachable daemon just yields
// no models.
func (s *Service) Models(ctx context.Context) ModelsInfo {
	info := ModelsInfo{
		Backends: backend.Probe(ctx, s.backends, s.cfg.ProbeTimeout),
	}
	if s.ollama != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
		info.OllamaAvailable = s.ollama.Ping(probeCtx) == nil
		if info.OllamaAvailable {
			if models, err := s.ollama.ListModels(probeCtx); err == nil {
				info.OllamaModels = models
			}
		}
	}
	return info
}
