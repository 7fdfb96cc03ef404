package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/plturrell/procflow/internal/engine"
	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a ProcflowServer.
type ServerDeps struct {
	Supervisor engine.Supervisor
	Store      store.Store
	Validator  *validation.PlanValidator
	Logger     *slog.Logger
}

// ProcflowServer wraps an MCP server with the engine's tool handlers: run
// control (execute, status, pause, resume, cancel), the human task surface
// (list and complete user tasks), and the run log.
type ProcflowServer struct {
	supervisor engine.Supervisor
	store      store.Store
	validator  *validation.PlanValidator
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewProcflowServer creates a ProcflowServer with all tools registered.
func NewProcflowServer(deps ServerDeps) *ProcflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ProcflowServer{
		supervisor: deps.Supervisor,
		store:      deps.Store,
		validator:  deps.Validator,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"procflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Procflow executes structured process plans. Use procflow.execute to launch a plan, procflow.status to check progress, procflow.pause/resume/cancel to control a run, procflow.tasks to list pending user tasks, procflow.complete_task to finish or reject one, and procflow.logs to read a run's event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ProcflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ProcflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ProcflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: tasksTool(), Handler: s.handleTasks},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: logsTool(), Handler: s.handleLogs},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("procflow.execute",
		mcp.WithDescription("Execute a process plan and return its run ID"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan object with an ordered steps array")),
		mcp.WithObject("input", mcp.Description("Initial input variables for the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("procflow.status",
		mcp.WithDescription("Get run state, current step, progress, and output"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("procflow.pause",
		mcp.WithDescription("Pause a run at its next step boundary"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("procflow.resume",
		mcp.WithDescription("Resume a paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("procflow.cancel",
		mcp.WithDescription("Cancel a run at its next step boundary, retaining completed output"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("procflow.tasks",
		mcp.WithDescription("List user tasks awaiting human action"),
		mcp.WithString("run_id", mcp.Description("Filter by run ID")),
		mcp.WithString("assignee", mcp.Description("Filter by assignee")),
		mcp.WithString("status", mcp.Description("Filter by status (pending, completed, rejected); default pending")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("procflow.complete_task",
		mcp.WithDescription("Complete or reject a pending user task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the user task")),
		mcp.WithString("outcome", mcp.Required(),
			mcp.Enum("completed", "rejected"),
			mcp.Description("Resolution outcome"),
		),
		mcp.WithObject("result", mcp.Description("Task result data (for completed)")),
		mcp.WithString("reason", mcp.Description("Rejection reason (for rejected)")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("procflow.logs",
		mcp.WithDescription("Read a run's append-only event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("since", mcp.Description("Return entries after this sequence number")),
	)
}
