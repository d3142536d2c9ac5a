// Package mcp exposes flowtree to agents as an MCP tool server over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/validation"
	"github.com/rendis/flowtree/pkg/schema"
)

// FlowtreeServerDeps holds the dependencies for creating a FlowtreeServer.
// Store and Hub are optional: without a store only inline documents can be
// run and drawn, without a hub flowtree.watch has nothing to forward.
type FlowtreeServerDeps struct {
	Runner    *runner.Runner
	Store     store.Store
	Validator *validation.WorkflowValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
	// BinDir is searched for the optional mermaid-ascii renderer.
	BinDir string
}

// FlowtreeServer wraps an MCP server with flowtree tool handlers.
type FlowtreeServer struct {
	runner    *runner.Runner
	store     store.Store
	validator *validation.WorkflowValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	binDir    string
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewFlowtreeServer creates a FlowtreeServer with all tools registered.
func NewFlowtreeServer(deps FlowtreeServerDeps) *FlowtreeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowtreeServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		binDir:    deps.BinDir,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowtree",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowtree runs decision-tree workflows against a JSON context. Use flowtree.validate to check a workflow document, flowtree.save to store it, flowtree.run to traverse it (saved ID or inline document), flowtree.list to browse workflows, runs and schedules, flowtree.diagram to draw it, and flowtree.watch to be notified when a saved workflow's runs complete."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run completions are forwarded to watchers while it runs.
func (s *FlowtreeServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.ForwardRunEvents(ctx); err != nil {
				s.logger.Warn("run event forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowtreeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ForwardRunEvents subscribes to run.completed events and notifies every
// client watching the event's workflow. It blocks until ctx is done.
func (s *FlowtreeServer) ForwardRunEvents(ctx context.Context) error {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			for _, clientID := range s.sessions.Watchers(ev.WorkflowID) {
				payload := map[string]any{
					"event":       ev.EventType,
					"workflow_id": ev.WorkflowID,
					"run_id":      ev.RunID,
					"payload":     ev.Payload,
				}
				if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
					s.logger.Warn("notify watcher failed",
						slog.String("client_id", clientID), slog.String("error", err.Error()))
				}
			}
		}
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowtreeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flowtree.validate",
		mcp.WithDescription("Validate a workflow document without saving it"),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Workflow document: nested nodes with id, type (action, branch, terminal), label, children, branches, condition")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowtree.run",
		mcp.WithDescription("Traverse a workflow against a JSON context and return the visited path"),
		mcp.WithString("workflow_id", mcp.Description("ID of a saved workflow (ignored when document is given)")),
		mcp.WithObject("document", mcp.Description("Inline workflow document to run instead of a saved one")),
		mcp.WithObject("context", mcp.Description("Input context the conditions are evaluated against (default: {})")),
		mcp.WithString("filter", mcp.Description("jq filter applied to the context before the run; must produce an object")),
		mcp.WithObject("context_schema", mcp.Description("JSON Schema the (filtered) context must satisfy")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("flowtree.save",
		mcp.WithDescription("Validate and save a workflow document"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Display name")),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Workflow document")),
		mcp.WithString("id", mcp.Description("ID of the workflow to overwrite (default: create a new one)")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowtree.list",
		mcp.WithDescription("List saved workflows, recorded runs, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "schedules"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, workflow_id, outcome, since, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowtree.diagram",
		mcp.WithDescription("Draw a workflow. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("ID of a saved workflow")),
		mcp.WithObject("document", mcp.Description("Inline workflow document (used when workflow_id is empty)")),
		mcp.WithString("run_id", mcp.Description("Recorded run of the saved workflow to overlay as the taken path")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "markdown", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), markdown (outline), or image (base64 PNG)"),
		),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("flowtree.watch",
		mcp.WithDescription("Receive a notification whenever a run of a saved workflow completes, scheduled runs included"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the saved workflow to watch")),
		mcp.WithString("client_id", mcp.Required(), mcp.Description("Stable ID of the watching client")),
	)
}
