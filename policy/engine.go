// Package policy evaluates tool-use policy with OPA. The orchestrator runs
// every requested tool grant past the policy before it reaches an engine's
// command line.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/GGPrompts/chatbridge/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	decision rego.PreparedEvalQuery
	mode     rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from the given rego module content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	module := rego.Module("chat_policy.rego", policyContent)

	decision, err := rego.New(
		rego.Query("data.chat_policy.decision"),
		module,
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare decision query: %w", err)
	}

	mode, err := rego.New(
		rego.Query("data.chat_policy.permission_mode"),
		module,
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare permission mode query: %w", err)
	}

	return &Engine{decision: decision, mode: mode}, nil
}

// Load reads the policy from path, falling back to DefaultPolicy when the
// file does not exist.
func Load(ctx context.Context, path string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			content = string(data)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
	}
	return NewEngine(ctx, content)
}

// EvaluateTool checks whether a tool grant is allowed for a backend.
// Returns "allow" or "deny".
func (e *Engine) EvaluateTool(ctx context.Context, backend, tool string) (string, error) {
	input := map[string]interface{}{
		"backend": backend,
		"tool":    tool,
	}
	results, err := e.decision.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "allow", nil
}

// PermissionMode returns the policy's permission mode for a backend, or ""
// when the policy leaves the caller's mode in place.
func (e *Engine) PermissionMode(ctx context.Context, backend, workingDir string) (string, error) {
	input := map[string]interface{}{
		"backend":     backend,
		"working_dir": workingDir,
	}
	results, err := e.mode.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", nil
}

// Apply filters a backend's settings through the policy: denied tool grants
// move from the allow list to the deny list, and the permission mode is
// overridden when the policy dictates one.
func (e *Engine) Apply(ctx context.Context, backend, workingDir string, settings domain.BackendSettings) (domain.BackendSettings, error) {
	var allowed []string
	for _, tool := range settings.AllowedTools {
		decision, err := e.EvaluateTool(ctx, backend, tool)
		if err != nil {
			return settings, err
		}
		if decision == "deny" {
			settings.DisallowedTools = append(settings.DisallowedTools, tool)
			continue
		}
		allowed = append(allowed, tool)
	}
	settings.AllowedTools = allowed

	mode, err := e.PermissionMode(ctx, backend, workingDir)
	if err != nil {
		return settings, err
	}
	if mode != "" {
		settings.PermissionMode = mode
	}
	return settings, nil
}

// DefaultPolicy is the policy used when no policy file is configured.
const DefaultPolicy = `
package chat_policy

default decision = "allow"

# Tool grants that never reach an engine's command line.
dangerous := {
	"Bash(sudo:*)",
	"Bash(rm -rf:*)",
	"Write(/etc/*)",
}

decision = "deny" {
	dangerous[input.tool]
}

# Without a working directory the engine stays in read-only planning mode.
permission_mode = "plan" {
	input.backend == "claude"
	input.working_dir == ""
}
`
