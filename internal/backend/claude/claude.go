// Package claude integrates the claude command-line engine, which emits a
// structured line-delimited event protocol on stdout.
package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
)

const Name = "claude"

// Adapter spawns one engine process per generation.
type Adapter struct {
	bin string
}

// New creates the adapter for the given executable.
func New(bin string) *Adapter {
	if bin == "" {
		bin = Name
	}
	return &Adapter{bin: bin}
}

func (a *Adapter) Name() string { return Name }

// Probe checks the executable is installed and answers --version.
func (a *Adapter) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(a.bin); err != nil {
		return fmt.Errorf("%s not found in PATH", a.bin)
	}
	cmd := exec.CommandContext(ctx, a.bin, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s --version failed: %w", a.bin, err)
	}
	return nil
}

// args derives CLI flags from the resolved settings.
func (a *Adapter) args(req backend.Request) []string {
	args := []string{"-p", renderPrompt(req.Turns), "--output-format", "stream-json"}

	b := req.Settings.Backend(Name)
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	if b.PermissionMode != "" {
		args = append(args, "--permission-mode", b.PermissionMode)
	}
	if len(b.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(b.AllowedTools, ","))
	}
	if len(b.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(b.DisallowedTools, ","))
	}
	for _, dir := range b.ContextDirs {
		args = append(args, "--add-dir", dir)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.Settings.MaxTokens != nil {
		args = append(args, "--max-tokens", fmt.Sprintf("%d", *req.Settings.MaxTokens))
	}
	return args
}

// Stream runs one generation, relaying delta text as it arrives. Cancelling
// ctx kills the process; the raw protocol stream is tee'd to req.RawCapture
// when set.
func (a *Adapter) Stream(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
	cmd := exec.CommandContext(ctx, a.bin, a.args(req)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewEngineError(domain.ErrKindNotAvailable, Name, "failed to start engine", err)
	}
	if req.OnSpawn != nil {
		req.OnSpawn(cmd.Process)
	}

	// Stderr is diagnostics, never content.
	go logStderr(stderr)

	var src io.Reader = stdout
	if req.RawCapture != nil {
		src = io.TeeReader(stdout, req.RawCapture)
	}

	result := &backend.Result{}
	var text strings.Builder
	var parser Parser
	var protoErr error

	buf := make([]byte, 4096)
	for protoErr == nil {
		n, readErr := src.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(string(buf[:n])) {
				if protoErr = a.handleEvent(ev, emit, &text, result); protoErr != nil {
					break
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				protoErr = domain.NewEngineError(domain.ErrKindProcessFailure, Name, "read stream", readErr)
			}
			break
		}
	}
	if protoErr == nil {
		for _, ev := range parser.Flush() {
			if protoErr = a.handleEvent(ev, emit, &text, result); protoErr != nil {
				break
			}
		}
	}

	waitErr := cmd.Wait()

	if protoErr != nil {
		return nil, protoErr
	}
	if ctx.Err() != nil {
		result.Text = text.String()
		return result, domain.NewEngineError(domain.ErrKindCancelled, Name, "generation cancelled", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name,
				fmt.Sprintf("engine exited with code %d", exitErr.ExitCode()), waitErr)
		}
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, "engine failed", waitErr)
	}

	result.Text = text.String()
	return result, nil
}

// handleEvent applies one protocol event. An engine "error" event terminates
// the stream with a typed failure; a consumer error cancels the relay.
func (a *Adapter) handleEvent(ev Event, emit backend.EmitFunc, text *strings.Builder, result *backend.Result) error {
	switch ev.Type {
	case eventDelta:
		text.WriteString(ev.Text)
		if err := emit(ev.Text); err != nil {
			return domain.NewEngineError(domain.ErrKindCancelled, Name, "consumer stopped", err)
		}
	case eventStop:
		if ev.Usage != nil {
			result.Usage = ev.Usage
		}
		if ev.Model != "" {
			result.Model = ev.Model
		}
	case eventError:
		return domain.NewEngineError(domain.ErrKindProcessFailure, Name, ev.Message, nil)
	}
	return nil
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Printf("INFO: claude stderr: %s", line)
		}
	}
}

// renderPrompt flattens the context turns into the prompt string the CLI
// expects. The latest user turn goes last, unprefixed.
func renderPrompt(turns []domain.Turn) string {
	if len(turns) == 1 && turns[0].Role == domain.RoleUser {
		return turns[0].Content
	}
	var b strings.Builder
	for i, turn := range turns {
		if i == len(turns)-1 && turn.Role == domain.RoleUser {
			b.WriteString(turn.Content)
			break
		}
		switch turn.Role {
		case domain.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n\n", turn.Content)
		default:
			fmt.Fprintf(&b, "User: %s\n\n", turn.Content)
		}
	}
	return b.String()
}
