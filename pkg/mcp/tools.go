package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/plturrell/procflow/internal/engine"
	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

// handleExecute validates and launches a plan, returning the run ID.
func (s *ProcflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planRaw := mcp.ParseStringMap(req, "plan", nil)
	if planRaw == nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	planJSON, err := json.Marshal(planRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err)), nil
	}
	var plan schema.Plan
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err)), nil
	}

	// Wire-level plans get the strict structural check before launch.
	if s.validator != nil {
		if err := s.validator.ValidatePlan(&plan); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plan rejected: %v", err)), nil
		}
	}

	runID, err := s.supervisor.Execute(ctx, &plan, input, engine.Options{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", err)), nil
	}

	return marshalResult(map[string]any{"run_id": runID, "state": schema.RunStatePending})
}

// handleStatus returns the current snapshot of a run.
func (s *ProcflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.supervisor.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(status)
}

func (s *ProcflowServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(ctx, req, "pause", s.supervisor.Pause)
}

func (s *ProcflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(ctx, req, "resume", s.supervisor.Resume)
}

func (s *ProcflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleControl(ctx, req, "cancel", s.supervisor.Cancel)
}

func (s *ProcflowServer) handleControl(ctx context.Context, req mcp.CallToolRequest, name string, op func(context.Context, string) (schema.RunState, error)) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	state, opErr := op(ctx, runID)
	if opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, opErr)), nil
	}

	return marshalResult(map[string]any{"run_id": runID, "state": state})
}

// handleTasks lists user tasks awaiting human action.
func (s *ProcflowServer) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.UserTaskFilter{
		RunID:    req.GetString("run_id", ""),
		Assignee: req.GetString("assignee", ""),
		Status:   req.GetString("status", store.UserTaskPending),
	}

	tasks, err := s.store.ListUserTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}

	return marshalResult(map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleCompleteTask resolves a pending user task; the run's poll loop picks
// the resolution up on its next tick.
func (s *ProcflowServer) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	outcome, err := req.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError("outcome is required"), nil
	}
	if outcome != store.UserTaskCompleted && outcome != store.UserTaskRejected {
		return mcp.NewToolResultError("outcome must be completed or rejected"), nil
	}

	var result json.RawMessage
	if data := mcp.ParseStringMap(req, "result", nil); data != nil {
		if b, mErr := json.Marshal(data); mErr == nil {
			result = b
		}
	}
	reason := req.GetString("reason", "")

	if updErr := s.store.UpdateUserTask(ctx, taskID, outcome, result, reason); updErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task failed: %v", updErr)), nil
	}

	return marshalResult(map[string]any{"task_id": taskID, "status": outcome})
}

// handleLogs returns a run's event log entries.
func (s *ProcflowServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	var since int64
	if raw := req.GetString("since", ""); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return mcp.NewToolResultError("since must be an integer sequence number"), nil
		}
	}

	entries, logErr := s.store.GetLogs(ctx, runID, since)
	if logErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read logs failed: %v", logErr)), nil
	}

	return marshalResult(map[string]any{"entries": entries, "count": len(entries)})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
