package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"steward/internal/domain"
)

// actionReport is the optional JSON an action prints as its last
// stdout line to override exit-code classification.
type actionReport struct {
	Outcome string `json:"outcome"` // success | transient | permanent
	Reason  string `json:"reason"`
}

// CommandExecutor runs the action argv configured for a task's source.
// Task identity and payload travel in the environment, so actions stay
// plain executables with no protocol to speak.
type CommandExecutor struct {
	actions map[string][]string // source id -> argv
	procs   *ProcessManager
	logger  *slog.Logger
}

// NewCommandExecutor builds an executor over the per-source action
// table. procs collects live subprocesses for shutdown cleanup.
func NewCommandExecutor(actions map[string][]string, procs *ProcessManager, logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{actions: actions, procs: procs, logger: logger}
}

// Execute implements Executor: exit 0 is success, nonzero is a
// transient failure, unless the action's JSON report says otherwise.
func (e *CommandExecutor) Execute(ctx context.Context, task *domain.Task) error {
	argv, ok := e.actions[task.SourceID]
	if !ok || len(argv) == 0 {
		return &PermanentError{Reason: fmt.Sprintf("no action configured for source %s", task.SourceID)}
	}

	cmd := newCommand(ctx, argv)
	cmd.Env = append(os.Environ(),
		"STEWARD_TASK_ID="+task.TaskID,
		"STEWARD_SOURCE_ID="+task.SourceID,
		"STEWARD_LOGICAL_KEY="+task.LogicalKey,
		"STEWARD_PAYLOAD="+task.Payload,
		fmt.Sprintf("STEWARD_ATTEMPT=%d", task.Attempts),
	)

	stdout, _, err := runCommand(cmd, e.procs)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	report, reported := parseReport(stdout)
	if err != nil {
		e.logger.Debug("action failed", "task", task.TaskID, "source", task.SourceID, "error", err)
		if reported && report.Outcome == "permanent" {
			return &PermanentError{Reason: reportReason(report, "action reported permanent failure")}
		}
		return &TransientError{Reason: "action failed", Err: err}
	}

	if reported {
		switch report.Outcome {
		case "transient":
			return &TransientError{Reason: reportReason(report, "action reported transient failure")}
		case "permanent":
			return &PermanentError{Reason: reportReason(report, "action reported permanent failure")}
		}
	}
	return nil
}

// parseReport reads the last non-empty stdout line as a JSON outcome
// report. Anything that doesn't parse is ordinary output.
func parseReport(stdout []byte) (actionReport, bool) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var report actionReport
		if json.Unmarshal(line, &report) == nil && report.Outcome != "" {
			return report, true
		}
		return actionReport{}, false
	}
	return actionReport{}, false
}

func reportReason(report actionReport, fallback string) string {
	if report.Reason != "" {
		return report.Reason
	}
	return fallback
}
