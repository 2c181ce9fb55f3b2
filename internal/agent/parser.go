package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/devbot/internal/log"
)

// maxParseErrorSample bounds how much of a malformed line is kept for
// diagnostics.
const maxParseErrorSample = 200

// Record type values the parser acts on. Anything else is counted as
// unknown and skipped.
const (
	recordAssistant = "assistant"
	recordResult    = "result"
	recordError     = "error"
	recordSystem    = "system"
)

// rawRecord mirrors one newline-delimited JSON record on the agent's stdout.
// Error is polymorphic: the agent sends either a bare string code or an
// object carrying a message.
type rawRecord struct {
	Type         string          `json:"type"`
	SubType      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Message      *messageContent `json:"message,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Result       string          `json:"result,omitempty"`
}

type messageContent struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type,omitempty"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// streamParser folds the agent's stdout records into an Outcome. A single
// goroutine feeds it; it is not safe for concurrent use.
type streamParser struct {
	textParts    []string
	toolUses     []string
	parseErrors  []string
	unknownCount int
	sessionID    string
	costUSD      float64
	durationMs   int64
	turns        int
	errorMessage string
	sawResult    bool
	sawError     bool
}

// consume parses one stdout line. Empty lines are skipped. Malformed lines
// are recorded and counted but never abort the stream.
func (p *streamParser) consume(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	var rec rawRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		sample := truncate(trimmed, maxParseErrorSample)
		p.parseErrors = append(p.parseErrors, sample)
		log.Warn(log.CatAgent, "malformed agent record", "line", sample)
		return
	}

	switch rec.Type {
	case recordAssistant:
		p.consumeAssistant(rec)
	case recordResult:
		p.consumeResult(rec)
	case recordError:
		p.sawError = true
		if msg := errorText(rec.Error); msg != "" {
			p.errorMessage = msg
		} else if p.errorMessage == "" {
			p.errorMessage = "agent reported an error"
		}
	case recordSystem:
		if rec.SubType == "init" && rec.SessionID != "" {
			p.sessionID = rec.SessionID
		}
	default:
		p.unknownCount++
	}
}

func (p *streamParser) consumeAssistant(rec rawRecord) {
	if rec.Message == nil {
		return
	}
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				p.textParts = append(p.textParts, block.Text)
			}
		case "tool_use":
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			p.toolUses = append(p.toolUses, name)
		}
	}
}

func (p *streamParser) consumeResult(rec rawRecord) {
	p.sawResult = true
	p.costUSD = rec.TotalCostUSD
	p.durationMs = rec.DurationMs
	p.turns = rec.NumTurns
	if rec.SessionID != "" {
		p.sessionID = rec.SessionID
	}
	if rec.IsError || strings.HasPrefix(rec.SubType, "error") {
		p.sawError = true
		if p.errorMessage == "" {
			if rec.Result != "" {
				p.errorMessage = rec.Result
			} else {
				p.errorMessage = fmt.Sprintf("agent reported %s", rec.SubType)
			}
		}
	}
}

// outcome assembles the parsed state. Process-level fields (exit code,
// stderr, timeout, cancellation) are filled in by the runner.
func (p *streamParser) outcome() Outcome {
	return Outcome{
		Text:           strings.Join(p.textParts, "\n"),
		ToolUses:       p.toolUses,
		CostUSD:        p.costUSD,
		DurationMs:     p.durationMs,
		Turns:          p.turns,
		SessionID:      p.sessionID,
		ParseErrors:    p.parseErrors,
		UnknownRecords: p.unknownCount,
		ErrorMessage:   p.errorMessage,
	}
}

// errorText handles the polymorphic error field: an object with a message,
// or a bare string code.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var info struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &info); err == nil {
		if info.Message != "" {
			return info.Message
		}
		if info.Code != "" {
			return info.Code
		}
	}
	var code string
	if err := json.Unmarshal(raw, &code); err == nil && code != "" {
		return code
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
