package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/halverson/strand/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Threads   ThreadService
	Retriever Retriever
	Monitor   HealthChecker
}

// ThreadService is the thread surface the MCP tools need.
type ThreadService interface {
	GetOrCreateThread(projectID, userID string) (storage.Thread, error)
	SearchEvents(ctx context.Context, query, projectID string, limit int) ([]storage.Event, error)
}

// NewMCPServer creates an MCP server with the strand tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"strand",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("strand: project knowledge base with semantic retrieval over documents and project history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_project",
			mcp.WithDescription("Semantically search a project's documents and return the matching text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Project to search"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Caller identity for access filtering")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchProject(deps),
	)

	s.AddTool(
		mcp.NewTool("search_events",
			mcp.WithDescription("Semantically search a project's event history (uploads, ontology changes, analyses)."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Project to search"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchEvents(deps),
	)

	s.AddTool(
		mcp.NewTool("project_health",
			mcp.WithDescription("Report the sync health of the retrieval index for a project, or all projects if none given."),
			mcp.WithString("project_id", mcp.Description("Project scope; empty for all projects")),
		),
		mcpProjectHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"strand://health",
			"Sync Health",
			mcp.WithResourceDescription("Current global sync health report as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHealth(deps),
	)

	return s
}

func mcpSearchProject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		userID := req.GetString("user_id", "")

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Retriever.Retrieve(ctx, query, projectID, userID, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchEvents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		events, err := deps.Threads.SearchEvents(ctx, query, projectID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(events) == 0 {
			return mcpText("[]"), nil
		}

		type eventResult struct {
			ID        string `json:"id"`
			EventType string `json:"event_type"`
			Summary   string `json:"summary"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]eventResult, len(events))
		for i, e := range events {
			results[i] = eventResult{
				ID:        e.ID,
				EventType: e.EventType,
				Summary:   e.SemanticSummary,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProjectHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID := req.GetString("project_id", "")

		report := deps.Monitor.CheckHealth(ctx, projectID)
		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceHealth(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report := deps.Monitor.CheckHealth(ctx, "")
		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("marshaling health report: %w", err)
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
