package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/media"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Companion *companion.Service
	Media     *media.Registry
}

// NewMCPServer creates an MCP server exposing the onboarding wizard to
// agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"companion",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("companion: guided onboarding for a personal companion (photos, voice, personality)."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("companion_wizard_status",
			mcp.WithDescription("Show the onboarding wizard state and checklist of a session."),
			mcp.WithString("session_id", mcp.Description("Session id; defaults to the active session")),
		),
		mcpWizardStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("companion_wizard_start",
			mcp.WithDescription("Start onboarding. Existing progress is kept unless force_reset is true."),
			mcp.WithString("session_id", mcp.Description("Session id; defaults to the active session")),
			mcp.WithBoolean("force_reset", mcp.Description("Archive the current profile and start over")),
		),
		mcpWizardStart(deps),
	)

	s.AddTool(
		mcp.NewTool("companion_wizard_personality",
			mcp.WithDescription("Submit the personality description and finish onboarding."),
			mcp.WithString("text", mcp.Description("Free-form personality description"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session id; defaults to the active session")),
		),
		mcpWizardPersonality(deps),
	)

	s.AddTool(
		mcp.NewTool("media_gc",
			mcp.WithDescription("Delete expired media assets."),
		),
		mcpMediaGC(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"companion://sessions",
			"Onboarding Sessions",
			mcp.WithResourceDescription("Known onboarding sessions and their wizard state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpSession(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) string {
	if sid := req.GetString("session_id", ""); sid != "" {
		return sid
	}
	return deps.Companion.ResolveSession(ctx, "")
}

func mcpWizardStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		w, err := deps.Companion.Read(ctx, mcpSession(ctx, deps, req))
		if err != nil {
			return mcpError(fmt.Sprintf("reading wizard: %v", err)), nil
		}
		return mcpJSON(view(w))
	}
}

func mcpWizardStart(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		w, err := deps.Companion.Start(ctx, mcpSession(ctx, deps, req), req.GetBool("force_reset", false))
		if err != nil {
			return mcpError(fmt.Sprintf("starting wizard: %v", err)), nil
		}
		return mcpJSON(view(w))
	}
}

func mcpWizardPersonality(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		w, err := deps.Companion.SubmitPersonality(ctx, mcpSession(ctx, deps, req), text)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(view(w))
	}
}

func mcpMediaGC(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Media.RunGC(ctx, deps.Companion.Scope())
		if err != nil {
			return mcpError(fmt.Sprintf("media gc failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %d expired assets, %d kept", res.Removed, res.Kept)), nil
	}
}

func mcpResourceSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions := deps.Companion.Sessions(ctx)
		if sessions == nil {
			sessions = []companion.SessionSummary{}
		}
		b, err := json.Marshal(sessions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
