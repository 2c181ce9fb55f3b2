package tracing

// Span attribute keys used across the daemon.
const (
	AttrTaskID         = "task.id"
	AttrIssueNumber    = "issue.number"
	AttrBranch         = "task.branch"
	AttrStage          = "pipeline.stage"
	AttrAttempt        = "agent.attempt"
	AttrExitCode       = "agent.exit_code"
	AttrProposalNumber = "proposal.number"
	AttrEventKind      = "webhook.kind"
	AttrDecision       = "webhook.decision"
	AttrErrorMessage   = "error.message"
)

// Span names. Stage spans are SpanStagePrefix plus the stage name.
const (
	SpanPipelineRun = "pipeline.run"
	SpanStagePrefix = "pipeline.stage."
	SpanWebhook     = "webhook.receive"
)
