// Package gemini integrates the gemini command-line engine, whose stdout is
// plain text streamed through unchanged.
package gemini

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

const Name = "gemini"

// Adapter spawns one engine process per generation and passes stdout through
// verbatim.
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

// Probe checks the executable is installed.
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

func (a *Adapter) args(req backend.Request) []string {
	args := []string{"-p", renderPrompt(req.SystemPrompt, req.Turns)}
	if model := req.Settings.Backend(Name).Model; model != "" {
		args = append(args, "-m", model)
	}
	for _, dir := range req.Settings.Backend(Name).ContextDirs {
		args = append(args, "--include-directories", dir)
	}
	return args
}

// Stream relays raw stdout chunks as they arrive. Cancelling ctx kills the
// process.
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

	go logStderr(stderr)

	var src io.Reader = stdout
	if req.RawCapture != nil {
		src = io.TeeReader(stdout, req.RawCapture)
	}

	var text strings.Builder
	var relayErr error
	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			text.WriteString(chunk)
			if err := emit(chunk); err != nil {
				relayErr = domain.NewEngineError(domain.ErrKindCancelled, Name, "consumer stopped", err)
				break
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				relayErr = domain.NewEngineError(domain.ErrKindProcessFailure, Name, "read stream", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()

	if relayErr != nil {
		return nil, relayErr
	}
	if ctx.Err() != nil {
		return &backend.Result{Text: text.String()}, domain.NewEngineError(domain.ErrKindCancelled, Name, "generation cancelled", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name,
				fmt.Sprintf("engine exited with code %d", exitErr.ExitCode()), waitErr)
		}
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, "engine failed", waitErr)
	}

	return &backend.Result{
		Text:  text.String(),
		Model: req.Settings.Backend(Name).Model,
	}, nil
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Printf("INFO: gemini stderr: %s", line)
		}
	}
}

// renderPrompt folds the system prompt and prior turns into one prompt
// string; the engine has no structured conversation input.
func renderPrompt(system string, turns []domain.Turn) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
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
