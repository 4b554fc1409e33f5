package codex

import (
	"fmt"
	"strings"
)

// The engine exposes its operations as named remote tools. Names have
// shifted between engine versions, so resolution is two-phase: exact match
// first, then case-insensitive substring as a resiliency fallback.
const (
	startToolName   = "codex"
	startToolSubstr = "codex"
	replyToolName   = "codex-reply"
	replyToolSubstr = "reply"
)

// ops holds the resolved remote operation names for one session.
type ops struct {
	start string
	reply string
}

// discoverOps resolves the start and continue operation names from the
// remote tool listing. The continue operation is resolved first and excluded
// from the start candidates, since the start substring also matches it.
func discoverOps(names []string) (ops, error) {
	reply, err := resolveOp(names, replyToolName, replyToolSubstr)
	if err != nil {
		return ops{}, fmt.Errorf("resolve continue operation: %w", err)
	}

	var rest []string
	for _, name := range names {
		if name != reply {
			rest = append(rest, name)
		}
	}
	start, err := resolveOp(rest, startToolName, startToolSubstr)
	if err != nil {
		return ops{}, fmt.Errorf("resolve start operation: %w", err)
	}

	return ops{start: start, reply: reply}, nil
}

func resolveOp(names []string, exact, substr string) (string, error) {
	for _, name := range names {
		if name == exact {
			return name, nil
		}
	}
	lowered := strings.ToLower(substr)
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), lowered) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no tool matching %q (or substring %q) among %v", exact, substr, names)
}
