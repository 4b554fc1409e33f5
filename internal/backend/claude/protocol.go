package claude

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/GGPrompts/chatbridge/domain"
)

// Event is one line of the engine's newline-delimited JSON stream protocol.
// Unknown event types and unknown fields are ignored for forward
// compatibility.
type Event struct {
	Type    string        `json:"type"`
	Text    string        `json:"text,omitempty"`
	Model   string        `json:"model,omitempty"`
	Usage   *domain.Usage `json:"usage,omitempty"`
	Message string        `json:"message,omitempty"`
}

const (
	eventDelta = "delta"
	eventStop  = "stop"
	eventError = "error"
)

// Parser incrementally decodes the line protocol, holding a residual partial
// line across reads.
type Parser struct {
	residual string
}

// Feed consumes a raw chunk and returns the complete events it finished.
// Malformed lines are logged with the offending content and skipped; the
// stream keeps going.
func (p *Parser) Feed(chunk string) []Event {
	data := p.residual + chunk
	lines := strings.Split(data, "\n")
	p.residual = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []Event
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("WARN: claude: skipping malformed protocol line %q: %v", truncateLine(line), err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Flush decodes any residual partial line. Used at end of stream, where a
// final record may lack its trailing newline.
func (p *Parser) Flush() []Event {
	line := strings.TrimSpace(p.residual)
	p.residual = ""
	if line == "" {
		return nil
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		log.Printf("WARN: claude: discarding incomplete trailing line %q", truncateLine(line))
		return nil
	}
	return []Event{ev}
}

// ParseCapture replays a raw captured stream and reassembles the final
// result. It is the recovery-path entry point and uses the same parser the
// live stream does.
func ParseCapture(raw string) (text string, usage *domain.Usage, model string, err error) {
	var p Parser
	var b strings.Builder
	sawEvent := false

	events := append(p.Feed(raw), p.Flush()...)
	for _, ev := range events {
		sawEvent = true
		switch ev.Type {
		case eventDelta:
			b.WriteString(ev.Text)
		case eventStop:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.Model != "" {
				model = ev.Model
			}
		case eventError:
			return b.String(), usage, model, fmt.Errorf("engine reported error: %s", ev.Message)
		}
	}
	if !sawEvent {
		return "", nil, "", fmt.Errorf("no parseable events in captured output")
	}
	return b.String(), usage, model, nil
}

func truncateLine(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
