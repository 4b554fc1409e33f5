// Package procreg tracks one live process or session handle per active
// generation, keyed by conversation id, with idle eviction.
package procreg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Handle is a live backend process or session. The capture buffer retains
// raw protocol output so an absent client can recover the final result.
type Handle struct {
	Key        string
	Backend    string
	Model      string
	WorkingDir string

	mu           sync.Mutex
	continuation string
	lastUsed     time.Time
	proc         *os.Process
	session      io.Closer
	capture      *CaptureBuffer
	done         chan struct{}
	exitErr      error
}

// NewHandle creates a handle with a fresh capture buffer.
func NewHandle(key, backend string) *Handle {
	return &Handle{
		Key:      key,
		Backend:  backend,
		lastUsed: time.Now(),
		capture:  NewCaptureBuffer(),
		done:     make(chan struct{}),
	}
}

// AttachProcess records the OS process backing this handle.
func (h *Handle) AttachProcess(p *os.Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

// AttachSession records a persistent session (closing it tears down the
// transport and client together).
func (h *Handle) AttachSession(s io.Closer) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

// Capture returns the raw-output capture buffer.
func (h *Handle) Capture() *CaptureBuffer { return h.capture }

// Session returns the attached persistent session, or nil.
func (h *Handle) Session() io.Closer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Touch refreshes the last-used time.
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// LastUsed returns the last-used time.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// SetContinuation stores the session-continuation id for follow-up turns.
func (h *Handle) SetContinuation(id string) {
	h.mu.Lock()
	h.continuation = id
	h.mu.Unlock()
}

// Continuation returns the stored continuation id, if any.
func (h *Handle) Continuation() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.continuation
}

// Begin resets the handle for a new generation: fresh done channel, cleared
// exit error, process, and capture buffer. The continuation id and session
// survive so follow-up turns can reuse them.
func (h *Handle) Begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		h.done = make(chan struct{})
	default:
	}
	h.exitErr = nil
	h.proc = nil
	h.lastUsed = time.Now()
	h.capture.Reset()
}

// MarkDone records process completion. Safe to call once per generation.
func (h *Handle) MarkDone(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.exitErr = err
	close(h.done)
}

// Done is closed when the current generation's process or call has finished.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// ExitErr returns the recorded exit error after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Running reports whether the handle's work has not yet finished.
func (h *Handle) Running() bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// teardown force-terminates the process and closes the session. Secondary
// close errors are logged and swallowed.
func (h *Handle) teardown() {
	h.mu.Lock()
	proc := h.proc
	session := h.session
	h.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil && !isAlreadyFinished(err) {
			log.Printf("WARN: failed to kill process for %s: %v", h.Key, err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			log.Printf("WARN: failed to close session for %s: %v", h.Key, err)
		}
	}
	h.MarkDone(fmt.Errorf("terminated"))
}

func isAlreadyFinished(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

// Registry is the process/session registry. All mutation goes through the
// registry mutex so rapid repeated calls cannot spawn duplicates.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// GetOrCreate returns the existing handle for key (refreshing its last-used
// time) or creates one via factory. The factory runs under the registry lock
// so two concurrent callers can never both create.
func (r *Registry) GetOrCreate(key string, factory func() (*Handle, error)) (*Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		h.Touch()
		return h, false, nil
	}
	h, err := factory()
	if err != nil {
		return nil, false, err
	}
	r.handles[key] = h
	return h, true, nil
}

// Get returns the handle for key, or nil.
func (r *Registry) Get(key string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[key]
}

// Remove tears down and forgets the handle for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if ok {
		h.teardown()
	}
}

// CleanupIdle tears down every handle unused for longer than maxIdle and
// returns how many were removed.
func (r *Registry) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*Handle
	for key, h := range r.handles {
		if h.LastUsed().Before(cutoff) {
			idle = append(idle, h)
			delete(r.handles, key)
		}
	}
	r.mu.Unlock()

	for _, h := range idle {
		h.teardown()
	}
	return len(idle)
}

// StartJanitor runs CleanupIdle on the given interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.CleanupIdle(maxIdle); n > 0 {
					log.Printf("INFO: evicted %d idle session(s)", n)
				}
			}
		}
	}()
}
