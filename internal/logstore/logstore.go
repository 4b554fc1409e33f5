// Package logstore persists conversation transcripts as append-only JSONL
// files, one file per conversation, one self-contained JSON record per line.
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GGPrompts/chatbridge/domain"
)

// Store is the conversation log store. Appends are atomic with respect to
// concurrent appenders: each record is written with a single O_APPEND write.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, sanitizeID(conversationID)+".jsonl")
}

// sanitizeID keeps conversation ids filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// Append assigns the message a unique id and store timestamp, durably
// persists it, and returns the stored record. The record is flushed before
// Append returns.
func (s *Store) Append(conversationID string, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.MessageID = "msg_" + uuid.New().String()[:8]
	msg.CreatedAt = time.Now()

	line, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path(conversationID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return domain.Message{}, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return domain.Message{}, fmt.Errorf("sync log: %w", err)
	}

	return msg, nil
}

// Read returns all messages for a conversation in append order. A missing
// conversation yields an empty slice. Unparseable lines are skipped so a
// reader never fails on a partially written trailing record.
func (s *Store) Read(conversationID string) ([]domain.Message, error) {
	f, err := os.Open(s.path(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var messages []domain.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("WARN: skipping malformed log line in %s: %v", conversationID, err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("scan log: %w", err)
	}
	return messages, nil
}

// ReadLast returns the newest n messages in append order.
func (s *Store) ReadLast(conversationID string, n int) ([]domain.Message, error) {
	messages, err := s.Read(conversationID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	return messages, nil
}

// List returns a summary of every stored conversation, newest first.
func (s *Store) List() ([]domain.ConversationInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var infos []domain.ConversationInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		messages, err := s.Read(id)
		if err != nil {
			log.Printf("WARN: failed to read conversation %s: %v", id, err)
			continue
		}
		info := domain.ConversationInfo{
			ConversationID: id,
			MessageCount:   len(messages),
		}
		if len(messages) > 0 {
			info.LastUpdated = messages[len(messages)-1].CreatedAt
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastUpdated.After(infos[j].LastUpdated)
	})
	return infos, nil
}

// Prune rewrites the log keeping only the newest keepLast messages. The
// rewrite goes through a temp file and rename so readers never observe a
// half-written log.
func (s *Store) Prune(conversationID string, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.Read(conversationID)
	if err != nil {
		return err
	}
	if keepLast >= len(messages) {
		return nil
	}
	kept := messages[len(messages)-keepLast:]

	tmp := s.path(conversationID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, msg := range kept {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp, s.path(conversationID)); err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

// Delete removes a conversation log entirely.
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(conversationID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Export renders the conversation as a plain-text transcript.
func (s *Store) Export(conversationID string) (string, error) {
	messages, err := s.Read(conversationID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conversationID)
	for _, msg := range messages {
		who := string(msg.Role)
		if msg.Role == domain.RoleAssistant && msg.Backend != "" {
			who = msg.Backend
		}
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", msg.CreatedAt.Format(time.RFC3339), who, msg.Content)
	}
	return b.String(), nil
}
