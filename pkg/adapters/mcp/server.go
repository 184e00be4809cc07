package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/internal/presentation/graph"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/aretw0/tessera/pkg/runner"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ActionResponse is the structured result of every session tool: the reply
// plus the envelopes the action streamed.
type ActionResponse struct {
	Reply     orchestrator.Reply    `json:"reply" jsonschema_description:"The session after the action"`
	Envelopes []stream.WireEnvelope `json:"envelopes" jsonschema_description:"Envelopes streamed by the action, in sequence order"`
}

// Orchestrator is the session API exposed as MCP tools.
type Orchestrator interface {
	StartSession(ctx context.Context, spec session.Spec) (orchestrator.Reply, error)
	EndSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]string, error)
	SubmitIntent(ctx context.Context, id, text string) (orchestrator.Reply, error)
	SubmitResolved(ctx context.Context, id string, intent domain.ResolvedIntent) (orchestrator.Reply, error)
	Confirm(ctx context.Context, id, planID string) (orchestrator.Reply, error)
	Reject(ctx context.Context, id string) (orchestrator.Reply, error)
	Select(ctx context.Context, id, optionID string) (orchestrator.Reply, error)
	Retry(ctx context.Context, id, stepID string) (orchestrator.Reply, error)
	Cancel(ctx context.Context, id, reason string) (orchestrator.Reply, error)
	Inspect(ctx context.Context, id string) (orchestrator.View, error)
	Diff(ctx context.Context, id string, since uint64) ([]domain.GraphOperation, uint64, error)
}

// Server exposes Tessera sessions as an MCP Server. Sessions must stream
// into the Server's buffer so each tool call can return what it emitted.
type Server struct {
	orch      Orchestrator
	buffer    *stream.BufferTransport
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new MCP Server instance.
func NewServer(orch Orchestrator, buffer *stream.BufferTransport, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		buffer: buffer,
		logger: logging.NewNop(),
		mcpServer: server.NewMCPServer("tessera-mcp", strings.TrimSpace(tessera.Version),
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(false, true),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

const instructions = `Tessera runs capabilities on behalf of the user inside sessions.
Start a session, submit an intent, then follow the reply state:
AwaitingConfirmation needs confirm with the plan_id (or reject) from the user,
a ClarificationCard needs select_option with one of the offered options.
Never confirm a plan the user has not approved.`

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("Shutdown signal received, shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	sessionArg := mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID returned by start_session"))

	s.mcpServer.AddTool(mcp.NewTool("start_session",
		mcp.WithDescription("Start a new session in the Idle state."),
		mcp.WithString("session_id", mcp.Description("Session ID to use (optional, generated when empty)")),
		mcp.WithString("tenant_id", mcp.Description("Tenant the session belongs to")),
		mcp.WithString("user_id", mcp.Description("User driving the session")),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleStartSession))

	s.mcpServer.AddTool(mcp.NewTool("submit_intent",
		mcp.WithDescription("Submit what the user wants, as free text or as a resolved intent JSON object."),
		sessionArg,
		mcp.WithString("text", mcp.Description("The user's request in natural language")),
		mcp.WithString("intent", mcp.Description(`Resolved intent JSON, e.g. {"intent_tag":"weather.read","entities":{"city":"Lisbon"}}`)),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleSubmitIntent))

	s.mcpServer.AddTool(mcp.NewTool("confirm",
		mcp.WithDescription("Confirm the plan awaiting confirmation. Only call this after the user approved it."),
		sessionArg,
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("plan_id of the pending confirmation")),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleConfirm))

	s.mcpServer.AddTool(mcp.NewTool("reject",
		mcp.WithDescription("Reject the plan awaiting confirmation. Nothing runs."),
		sessionArg,
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleReject))

	s.mcpServer.AddTool(mcp.NewTool("select_option",
		mcp.WithDescription("Answer a clarification with one of the offered options."),
		sessionArg,
		mcp.WithString("option_id", mcp.Required(), mcp.Description("ID of the chosen option")),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleSelect))

	s.mcpServer.AddTool(mcp.NewTool("retry_step",
		mcp.WithDescription("Retry a failed idempotent step."),
		sessionArg,
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the failed step")),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleRetry))

	s.mcpServer.AddTool(mcp.NewTool("cancel",
		mcp.WithDescription("Cancel the request in flight, or abandon an open confirmation or clarification."),
		sessionArg,
		mcp.WithString("reason", mcp.Description("Why the request is canceled")),
		mcp.WithOutputSchema[ActionResponse](),
	), mcp.NewStructuredToolHandler(s.handleCancel))

	s.mcpServer.AddTool(mcp.NewTool("end_session",
		mcp.WithDescription("Destroy a session."),
		sessionArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := request.GetString("session_id", "")
		if err := s.orch.EndSession(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("end session failed: %v", err)), nil
		}
		s.buffer.Drain(id)
		return mcp.NewToolResultText("session ended"), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Inspect a session: state, history, context and the component graph."),
		sessionArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v, err := s.orch.Inspect(ctx, request.GetString("session_id", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("inspect failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(v)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("Get the graph operations applied after a version, to resync a renderer."),
		sessionArg,
		mcp.WithNumber("since", mcp.Description("Graph version already applied (0 for everything retained)")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		since := request.GetFloat("since", 0)
		if since < 0 {
			return mcp.NewToolResultError("since must not be negative"), nil
		}
		ops, version, err := s.orch.Diff(ctx, request.GetString("session_id", ""), uint64(since))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diff failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(map[string]any{"version": version, "operations": ops})
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})
}

// Handler methods for structured tools

func str(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func requireArg(args map[string]any, key string) (string, error) {
	v := str(args, key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// respond drains the session's envelopes into the response. A refused
// action is reported as a tool error; the session is unchanged.
func (s *Server) respond(reply orchestrator.Reply, err error) (ActionResponse, error) {
	res := ActionResponse{Reply: reply, Envelopes: []stream.WireEnvelope{}}
	if reply.SessionID != "" {
		if envs := s.buffer.Drain(reply.SessionID); envs != nil {
			res.Envelopes = envs
		}
	}
	if err != nil {
		s.logger.Warn("MCP action refused", "session_id", reply.SessionID, "err", err)
		return res, err
	}
	return res, nil
}

func (s *Server) handleStartSession(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	reply, err := s.orch.StartSession(ctx, session.Spec{
		ID:       str(args, "session_id"),
		TenantID: str(args, "tenant_id"),
		UserID:   str(args, "user_id"),
	})
	if err != nil {
		return ActionResponse{}, fmt.Errorf("start session failed: %w", err)
	}
	return s.respond(reply, nil)
}

func (s *Server) handleSubmitIntent(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}

	if raw := str(args, "intent"); raw != "" {
		var intent domain.ResolvedIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			return ActionResponse{}, fmt.Errorf("intent is not valid JSON: %w", err)
		}
		if intent.Tag == "" {
			return ActionResponse{}, errors.New("intent.intent_tag is required")
		}
		return s.respond(s.orch.SubmitResolved(ctx, id, intent))
	}

	text, err := requireArg(args, "text")
	if err != nil {
		return ActionResponse{}, errors.New("text or intent is required")
	}
	// Sanitize Input
	clean, err := runner.SanitizeInput(text)
	if err != nil {
		s.logger.Warn("MCP submit_intent: Input rejected", "err", err, "size", len(text))
		return ActionResponse{}, fmt.Errorf("input rejected: %w", err)
	}
	return s.respond(s.orch.SubmitIntent(ctx, id, clean))
}

func (s *Server) handleConfirm(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}
	plan, err := requireArg(args, "plan_id")
	if err != nil {
		return ActionResponse{}, err
	}
	return s.respond(s.orch.Confirm(ctx, id, plan))
}

func (s *Server) handleReject(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}
	return s.respond(s.orch.Reject(ctx, id))
}

func (s *Server) handleSelect(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}
	option, err := requireArg(args, "option_id")
	if err != nil {
		return ActionResponse{}, err
	}
	return s.respond(s.orch.Select(ctx, id, option))
}

func (s *Server) handleRetry(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}
	step, err := requireArg(args, "step_id")
	if err != nil {
		return ActionResponse{}, err
	}
	return s.respond(s.orch.Retry(ctx, id, step))
}

func (s *Server) handleCancel(ctx context.Context, _ mcp.CallToolRequest, args map[string]any) (ActionResponse, error) {
	id, err := requireArg(args, "session_id")
	if err != nil {
		return ActionResponse{}, err
	}
	return s.respond(s.orch.Cancel(context.WithoutCancel(ctx), id, str(args, "reason")))
}

func (s *Server) registerResources() {
	// EXPOSE: tessera://sessions
	s.mcpServer.AddResource(mcp.NewResource("tessera://sessions", "Sessions",
		mcp.WithResourceDescription("IDs of live and stored sessions"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ids, err := s.orch.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		if ids == nil {
			ids = []string{}
		}
		jsonBytes, _ := json.Marshal(ids)
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "tessera://sessions",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})

	// EXPOSE: tessera://workflow
	s.mcpServer.AddResource(mcp.NewResource("tessera://workflow", "Workflow State Machine",
		mcp.WithResourceDescription("Mermaid diagram of the legal workflow transitions"),
		mcp.WithMIMEType("text/plain"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "tessera://workflow",
				MIMEType: "text/plain",
				Text:     graph.GenerateStateDiagram(nil),
			},
		}, nil
	})
}
