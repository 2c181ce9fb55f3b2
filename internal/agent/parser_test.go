package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(p *streamParser, lines ...string) {
	for _, line := range lines {
		p.consume([]byte(line))
	}
}

func TestParser_AssistantTextAggregated(t *testing.T) {
	p := &streamParser{}
	feed(p,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"First I read the code."}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Then I fixed the bug."}]}}`,
	)

	out := p.outcome()
	require.Equal(t, "First I read the code.\nThen I fixed the bug.", out.Text)
	require.Empty(t, out.ParseErrors)
	require.Zero(t, out.UnknownRecords)
}

func TestParser_ToolUses(t *testing.T) {
	p := &streamParser{}
	feed(p,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"path":"main.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit"},{"type":"text","text":"Done."}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`,
	)

	out := p.outcome()
	require.Equal(t, []string{"Read", "Edit", "unknown"}, out.ToolUses)
	require.Equal(t, "Done.", out.Text)
}

func TestParser_ResultMetadata(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"result","subtype":"success","total_cost_usd":0.0421,"duration_ms":95000,"num_turns":12,"session_id":"sess-abc"}`)

	out := p.outcome()
	require.True(t, p.sawResult)
	require.False(t, p.sawError)
	require.InDelta(t, 0.0421, out.CostUSD, 1e-9)
	require.Equal(t, int64(95000), out.DurationMs)
	require.Equal(t, 12, out.Turns)
	require.Equal(t, "sess-abc", out.SessionID)
}

func TestParser_ResultError(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"hit the turn limit","num_turns":50}`)

	require.True(t, p.sawError)
	require.Equal(t, "hit the turn limit", p.outcome().ErrorMessage)
}

func TestParser_ResultErrorSubtypeWithoutFlag(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"result","subtype":"error_during_execution"}`)

	require.True(t, p.sawError)
	require.Equal(t, "agent reported error_during_execution", p.outcome().ErrorMessage)
}

func TestParser_ErrorRecordObject(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"error","error":{"message":"API rate limit exceeded"}}`)

	require.True(t, p.sawError)
	require.Equal(t, "API rate limit exceeded", p.outcome().ErrorMessage)
}

func TestParser_ErrorRecordStringCode(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"error","error":"overloaded"}`)

	require.True(t, p.sawError)
	require.Equal(t, "overloaded", p.outcome().ErrorMessage)
}

func TestParser_ErrorRecordEmptyPayload(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"error"}`)

	require.True(t, p.sawError)
	require.Equal(t, "agent reported an error", p.outcome().ErrorMessage)
}

func TestParser_SystemInitSession(t *testing.T) {
	p := &streamParser{}
	feed(p, `{"type":"system","subtype":"init","session_id":"sess-init"}`)

	require.Equal(t, "sess-init", p.outcome().SessionID)
}

func TestParser_MalformedLineDoesNotAbort(t *testing.T) {
	p := &streamParser{}
	feed(p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"before"}]}}`,
		`{not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"after"}]}}`,
	)

	out := p.outcome()
	require.Equal(t, "before\nafter", out.Text)
	require.Len(t, out.ParseErrors, 1)
	require.Contains(t, out.ParseErrors[0], "not json")
}

func TestParser_MalformedLineTruncated(t *testing.T) {
	p := &streamParser{}
	long := "{" + strings.Repeat("x", 500)
	feed(p, long)

	require.Len(t, p.parseErrors, 1)
	require.Len(t, p.parseErrors[0], maxParseErrorSample+len("..."))
}

func TestParser_UnknownTypeCounted(t *testing.T) {
	p := &streamParser{}
	feed(p,
		`{"type":"user","message":{"content":[{"type":"text","text":"tool result"}]}}`,
		`{"type":"telemetry","data":{}}`,
	)

	out := p.outcome()
	require.Equal(t, 2, out.UnknownRecords)
	require.Empty(t, out.ParseErrors)
}

func TestParser_BlankLinesSkipped(t *testing.T) {
	p := &streamParser{}
	feed(p, "", "   ", "\t")

	out := p.outcome()
	require.Empty(t, out.ParseErrors)
	require.Zero(t, out.UnknownRecords)
}

func TestErrorText_PrefersMessageOverCode(t *testing.T) {
	require.Equal(t, "boom", errorText([]byte(`{"message":"boom","code":"err_internal"}`)))
	require.Equal(t, "err_internal", errorText([]byte(`{"code":"err_internal"}`)))
	require.Equal(t, "overloaded", errorText([]byte(`"overloaded"`)))
	require.Equal(t, "", errorText(nil))
	require.Equal(t, "", errorText([]byte(`42`)))
}
