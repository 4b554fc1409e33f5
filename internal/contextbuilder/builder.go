// Package contextbuilder turns a raw conversation log into the request shape
// a target backend expects.
package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GGPrompts/chatbridge/domain"
)

// Context is the built request context for one backend call.
type Context struct {
	SystemPrompt string
	Turns        []domain.Turn
}

// Build assembles the context for targetBackend. The newest maxMessages
// survive truncation (0 means no limit); system-role entries fold into the
// system prompt instead of appearing as turns.
//
// When the log contains assistant turns from other backends, identity mode
// kicks in: foreign assistant turns are re-labeled as user turns with a
// speaker prefix so the target never mistakes another engine's words for its
// own, consecutive user turns merge (several engines reject back-to-back
// same-role turns), and the system prompt opens with an identity statement.
//
// Synthetic failure notices (Metadata.Error) are transcript bookkeeping, not
// conversation turns; they never reach an engine. Truncated partials and
// recovered messages are real content and stay.
func Build(messages []domain.Message, targetBackend, basePrompt string, maxMessages int) Context {
	messages = withoutFailures(messages)
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	var systemParts []string
	if basePrompt != "" {
		systemParts = append(systemParts, basePrompt)
	}

	others := otherBackends(messages, targetBackend)

	var turns []domain.Turn
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case domain.RoleAssistant:
			if len(others) > 0 && msg.Backend != "" && msg.Backend != targetBackend {
				turns = appendMerged(turns, domain.Turn{
					Role:    domain.RoleUser,
					Content: fmt.Sprintf("[%s said]: %s", msg.Backend, msg.Content),
				})
				continue
			}
			turns = append(turns, domain.Turn{Role: domain.RoleAssistant, Content: msg.Content, Backend: msg.Backend})
		case domain.RoleUser:
			if len(others) > 0 {
				turns = appendMerged(turns, domain.Turn{Role: domain.RoleUser, Content: msg.Content})
				continue
			}
			turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: msg.Content})
		}
	}

	if len(others) > 0 {
		systemParts = append([]string{identityStatement(targetBackend, others)}, systemParts...)
	}

	return Context{
		SystemPrompt: strings.Join(systemParts, "\n\n"),
		Turns:        turns,
	}
}

// withoutFailures drops messages persisted only to explain a failed
// generation in the transcript.
func withoutFailures(messages []domain.Message) []domain.Message {
	kept := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Metadata != nil && msg.Metadata.Error {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

// appendMerged appends a user turn, merging it into the previous turn when
// that one is also user-role.
func appendMerged(turns []domain.Turn, turn domain.Turn) []domain.Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == domain.RoleUser {
		turns[n-1].Content += "\n\n" + turn.Content
		return turns
	}
	return append(turns, turn)
}

// otherBackends collects backends other than target that authored assistant
// turns, in stable order.
func otherBackends(messages []domain.Message, target string) []string {
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == domain.RoleAssistant && msg.Backend != "" && msg.Backend != target {
			seen[msg.Backend] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func identityStatement(target string, others []string) string {
	return fmt.Sprintf(
		"You are %s. This conversation also includes responses from other assistants (%s), shown as quoted user messages. Only claim authorship of turns attributed to you.",
		target, strings.Join(others, ", "))
}
