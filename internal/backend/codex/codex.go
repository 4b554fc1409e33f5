// Package codex integrates the codex engine through its MCP server mode. A
// persistent handshake connection is kept per session key; the first turn
// calls the start operation, follow-ups call the continue operation with the
// continuation id when one was returned.
package codex

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/backend"
)

const Name = "codex"

// Adapter spawns the engine once per session and reuses the connection for
// follow-up turns.
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
	return nil
}

// Session is one live engine connection. Closing it tears down the transport
// and the spawned server process together.
type Session struct {
	session *mcp.ClientSession
	ops     ops
}

// Close terminates the session. The SDK escalates through stdin close and
// SIGTERM/SIGKILL for the subprocess.
func (s *Session) Close() error {
	return s.session.Close()
}

// connect spawns the engine in server mode, performs the handshake, and
// discovers the remote operation names once. The names are cached on the
// session.
func (a *Adapter) connect(ctx context.Context) (*Session, error) {
	transport := &mcp.CommandTransport{
		Command: exec.Command(a.bin, "mcp"),
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "chatbridge",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrKindNotAvailable, Name, "connect", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, domain.NewEngineError(domain.ErrKindProtocolError, Name, "list tools", err)
	}
	names := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}
	resolved, err := discoverOps(names)
	if err != nil {
		session.Close()
		return nil, domain.NewEngineError(domain.ErrKindProtocolError, Name, "discover operations", err)
	}

	return &Session{session: session, ops: resolved}, nil
}

// Stream produces one assistant turn. The engine's server mode returns the
// whole completion from one remote call, so the stream yields a single
// fragment.
func (a *Adapter) Stream(ctx context.Context, req backend.Request, emit backend.EmitFunc) (*backend.Result, error) {
	sess, err := a.sessionFor(ctx, req)
	if err != nil {
		return nil, err
	}

	prompt := renderPrompt(req.SystemPrompt, req.Turns)

	toolName := sess.ops.start
	args := map[string]any{"prompt": prompt}
	if model := req.Settings.Backend(Name).Model; model != "" {
		args["model"] = model
	}
	if req.WorkingDir != "" {
		args["cwd"] = req.WorkingDir
	}
	if req.Continuation != "" {
		// Follow-up turn with a known continuation id. The engine holds the
		// history, so only the latest user turn is sent.
		toolName = sess.ops.reply
		args = map[string]any{"prompt": latestUserTurn(req.Turns), "conversationId": req.Continuation}
	}
	// With no continuation id we re-invoke start and rely on the engine's own
	// retained memory. Known limitation: the engine does not always return a
	// continuation id.

	result, err := sess.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewEngineError(domain.ErrKindCancelled, Name, "generation cancelled", ctx.Err())
		}
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, "call "+toolName, err)
	}

	text := extractText(result)
	if result.IsError {
		return nil, domain.NewEngineError(domain.ErrKindProcessFailure, Name, text, nil)
	}

	if req.RawCapture != nil {
		fmt.Fprint(req.RawCapture, text)
	}
	if err := emit(text); err != nil {
		return nil, domain.NewEngineError(domain.ErrKindCancelled, Name, "consumer stopped", err)
	}

	return &backend.Result{
		Text:         text,
		Model:        req.Settings.Backend(Name).Model,
		Continuation: extractContinuation(result),
	}, nil
}

// sessionFor returns the caller's cached session or connects a new one and
// hands it back through the session hooks.
func (a *Adapter) sessionFor(ctx context.Context, req backend.Request) (*Session, error) {
	if req.SessionGet != nil {
		if sess, ok := req.SessionGet().(*Session); ok && sess != nil {
			return sess, nil
		}
	}
	sess, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionSet != nil {
		req.SessionSet(sess)
	}
	return sess, nil
}

// extractText joins all text content items from a tool result.
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// extractContinuation pulls the continuation id out of the structured result
// when the engine returns one.
func extractContinuation(result *mcp.CallToolResult) string {
	structured, ok := result.StructuredContent.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"conversationId", "sessionId", "session_id"} {
		if v, ok := structured[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// latestUserTurn returns the content of the final user turn, or the final
// turn of any role when the conversation does not end on a user turn.
func latestUserTurn(turns []domain.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser {
			return turns[i].Content
		}
	}
	if len(turns) > 0 {
		return turns[len(turns)-1].Content
	}
	return ""
}

// renderPrompt folds the system prompt and conversation turns into one prompt
// string, used on the first turn of a session.
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
