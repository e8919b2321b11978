package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskSpec describes the sub-agent run a task tool invocation asks for.
type TaskSpec struct {
	ParentSessionID string
	Description     string
	Prompt          string
	SubagentType    string
	Cleanup         string // "keep" or "delete"
	Timeout         time.Duration
}

// TaskHandle identifies a started task.
type TaskHandle struct {
	TaskID       string
	SubSessionID string
}

// TaskRunner is the slice of the task manager the task tool needs. The
// concrete manager is injected at wiring time to keep this package free of
// orchestration imports.
type TaskRunner interface {
	Start(ctx context.Context, spec TaskSpec) (TaskHandle, error)
	// Wait blocks until the task reaches a terminal state and returns its
	// result text.
	Wait(ctx context.Context, taskID string) (string, error)
}

// TaskTool launches sub-agent runs in isolated child sessions. With
// background=true it returns immediately and the completion arrives as a
// task event; otherwise it blocks until the sub-agent finishes.
type TaskTool struct {
	runner TaskRunner
}

func NewTaskTool(runner TaskRunner) *TaskTool {
	return &TaskTool{runner: runner}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Delegate a self-contained piece of work to a sub-agent running in its own session. " +
		"Use background=true for long work; the result is delivered as a task event."
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Full instructions for the sub-agent",
			},
			"subagent_type": map[string]any{
				"type":        "string",
				"description": "Sub-agent flavor to run (default: general)",
			},
			"background": map[string]any{
				"type":        "boolean",
				"description": "Return immediately and deliver the result as an event",
			},
			"cleanup": map[string]any{
				"type":        "string",
				"enum":        []string{"keep", "delete"},
				"description": "Whether to keep or delete the sub-session after completion (default: keep)",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Abort the task after this many seconds",
			},
		},
		"required": []string{"description", "prompt"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]any) *Result {
	description, _ := args["description"].(string)
	prompt, _ := args["prompt"].(string)
	if description == "" || prompt == "" {
		return ErrorResult("description and prompt are required")
	}

	spec := TaskSpec{
		ParentSessionID: SessionIDFromCtx(ctx),
		Description:     description,
		Prompt:          prompt,
	}
	spec.SubagentType, _ = args["subagent_type"].(string)
	if spec.SubagentType == "" {
		spec.SubagentType = "general"
	}
	spec.Cleanup, _ = args["cleanup"].(string)
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		spec.Timeout = time.Duration(secs) * time.Second
	}
	background, _ := args["background"].(bool)

	handle, err := t.runner.Start(ctx, spec)
	if err != nil {
		return ErrorResult(fmt.Sprintf("start task: %v", err)).WithError(err)
	}

	if background {
		accepted, _ := json.Marshal(map[string]string{
			"status":         "accepted",
			"task_id":        handle.TaskID,
			"sub_session_id": handle.SubSessionID,
		})
		return AsyncResult(string(accepted))
	}

	result, err := t.runner.Wait(ctx, handle.TaskID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("task %s: %v", handle.TaskID, err)).WithError(err)
	}
	return NewResult(result)
}
