// Package mcpserver exposes the non-streaming session operations as
// MCP tools over the streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/HyphaGroup/warden/internal/metrics"
	"github.com/HyphaGroup/warden/internal/session"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the session service in an MCP tool surface
type Server struct {
	svc       *session.Service
	mcpServer *mcp.Server
}

// New creates the MCP server and registers the session tools
func New(svc *session.Service) *Server {
	s := &Server{
		svc: svc,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    "warden",
			Version: "0.1.0",
		}, nil),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler for mounting at /mcp
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})
}

type prepareParams struct {
	UserID        string            `json:"userId"`
	OrgID         string            `json:"orgId,omitempty"`
	BotID         string            `json:"botId,omitempty"`
	Prompt        string            `json:"prompt"`
	Mode          string            `json:"mode,omitempty"`
	Model         string            `json:"model,omitempty"`
	GithubRepo    string            `json:"githubRepo,omitempty"`
	GitURL        string            `json:"gitUrl,omitempty"`
	EnvVars       map[string]string `json:"envVars,omitempty"`
	SetupCommands []string          `json:"setupCommands,omitempty"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type listParams struct {
	UserID string `json:"userId,omitempty"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "prepare_session",
		Description: "Persist a new execution session without touching the sandbox. Exactly one of githubRepo or gitUrl is required.",
		InputSchema: prepareSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in prepareParams) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.Prepare(ctx, &session.PrepareInput{
			UserID:        in.UserID,
			OrgID:         in.OrgID,
			BotID:         in.BotID,
			Prompt:        in.Prompt,
			Mode:          in.Mode,
			Model:         in.Model,
			GithubRepo:    in.GithubRepo,
			GitURL:        in.GitURL,
			EnvVars:       in.EnvVars,
			SetupCommands: in.SetupCommands,
		})
		return toolResult("prepare_session", result, err)
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "interrupt_session",
		Description: "Interrupt a session's active execution. Safe to call when nothing is running.",
		InputSchema: sessionIDSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sessionIDParams) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.Interrupt(ctx, in.SessionID)
		return toolResult("interrupt_session", result, err)
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "delete_session",
		Description: "Delete a session: workspace, sandbox, and durable record.",
		InputSchema: sessionIDSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sessionIDParams) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.Delete(ctx, in.SessionID)
		return toolResult("delete_session", result, err)
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List session summaries, newest first. Optionally filtered by userId.",
		InputSchema: listSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in listParams) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.ListSessions(ctx, in.UserID)
		return toolResult("list_sessions", result, err)
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_session",
		Description: "Get the sanitized status snapshot of a session. Never includes secrets.",
		InputSchema: sessionIDSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sessionIDParams) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.GetSession(ctx, in.SessionID)
		return toolResult("get_session", result, err)
	})
}

// toolResult marshals a tool outcome, recording the call metric.
// Session errors come back as tool errors with their message, never as
// protocol failures.
func toolResult(tool string, result any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		metrics.RecordToolCall(tool, "error")
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}

	metrics.RecordToolCall(tool, "ok")
	data, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", mErr)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func prepareSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"userId":     {Type: "string", Description: "Owning user id"},
			"orgId":      {Type: "string", Description: "Organization id, omit for personal sessions"},
			"botId":      {Type: "string", Description: "Bot id when the session is bot-driven"},
			"prompt":     {Type: "string", Description: "Task prompt for the agent"},
			"mode":       {Type: "string", Description: "Agent mode (code, architect, ask)"},
			"model":      {Type: "string", Description: "Model identifier"},
			"githubRepo": {Type: "string", Description: "GitHub repo as owner/name"},
			"gitUrl":     {Type: "string", Description: "Generic git clone URL"},
			"envVars": {
				Type:                 "object",
				AdditionalProperties: &jsonschema.Schema{Type: "string"},
				Description:          "Environment variables for the workspace",
			},
			"setupCommands": {
				Type:        "array",
				Items:       &jsonschema.Schema{Type: "string"},
				Description: "Commands run once after clone",
			},
		},
		Required: []string{"userId", "prompt"},
	}
}

func listSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"userId": {Type: "string", Description: "Limit to sessions owned by this user"},
		},
	}
}

func sessionIDSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"sessionId": {Type: "string", Description: "Session id (UUID)"},
		},
		Required: []string{"sessionId"},
	}
}
