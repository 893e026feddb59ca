// Package mcp exposes a kioku session over the Model Context Protocol.
//
// An MCP-compatible agent gets four tools: kioku_ingest to append turns,
// kioku_recall to assemble context for a query, kioku_close_episode to force
// an episode boundary, and kioku_stats for session counters. A stats
// resource mirrors the same counters for clients that prefer resources.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kioku"
)

// Server wraps an MCP server around a single session.
type Server struct {
	mcpServer *mcpserver.MCPServer
	session   *kioku.Session
	logger    *slog.Logger
}

// New creates and configures an MCP server for the given session.
func New(session *kioku.Session, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		session: session,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kioku",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the session over stdin/stdout.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kioku://session/stats",
			"Session Stats",
			mcplib.WithResourceDescription("Turn, episode and fact counters for the session"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *Server) registerTools() {
	// kioku_ingest appends one conversation turn.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_ingest",
			mcplib.WithDescription("Record a conversation turn in session memory. Markers like decision: or constraint: are detected automatically."),
			mcplib.WithString("role", mcplib.Description("Speaker role: user, assistant, or tool"), mcplib.Required()),
			mcplib.WithString("content", mcplib.Description("Turn content"), mcplib.Required()),
			mcplib.WithString("markers", mcplib.Description("Comma-separated explicit markers (decision, constraint, goal, failure, custom:<label>)")),
			mcplib.WithString("actor_id", mcplib.Description("Identifier of the speaking agent")),
		),
		s.handleIngest,
	)

	// kioku_recall assembles relevant context for a query.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_recall",
			mcplib.WithDescription("Retrieve session memory relevant to a query: facts, marked turns, and the open episode, packed into a token budget."),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithNumber("token_budget", mcplib.Description("Maximum summed token count of the result")),
			mcplib.WithNumber("min_relevance", mcplib.Description("Minimum cosine relevance for past candidates")),
			mcplib.WithBoolean("exclude_current_episode", mcplib.Description("Omit turns of the open episode")),
		),
		s.handleRecall,
	)

	// kioku_close_episode forces a boundary.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_close_episode",
			mcplib.WithDescription("Close the open episode, triggering reflection if enabled. A fresh episode opens on the next turn."),
			mcplib.WithString("reason", mcplib.Description("Close reason recorded on the episode")),
		),
		s.handleCloseEpisode,
	)

	// kioku_stats reports counters.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_stats",
			mcplib.WithDescription("Report session counters: turns, episodes, active and superseded facts, reflections."),
		),
		s.handleStats,
	)
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats, err := s.session.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: session stats: %w", err)
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stats: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kioku://session/stats",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	role := request.GetString("role", "")
	content := request.GetString("content", "")
	if role == "" || content == "" {
		return errorResult("role and content are required"), nil
	}

	in := kioku.TurnInput{
		Role:    kioku.Role(role),
		Content: content,
		ActorID: request.GetString("actor_id", ""),
		Markers: splitMarkers(request.GetString("markers", "")),
	}

	turnID, err := s.session.Ingest(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("ingest failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"turn_id": turnID,
		"status":  "recorded",
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	items, err := s.session.Recall(ctx, kioku.RecallRequest{
		Query:                 query,
		TokenBudget:           request.GetInt("token_budget", 0),
		MinRelevance:          request.GetFloat("min_relevance", 0),
		ExcludeCurrentEpisode: request.GetBool("exclude_current_episode", false),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("recall failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"items": items,
		"total": len(items),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleCloseEpisode(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	reason := request.GetString("reason", "explicit")

	episodeID, err := s.session.CloseEpisode(ctx, reason)
	if err != nil {
		return errorResult(fmt.Sprintf("close episode failed: %v", err)), nil
	}

	status := "closed"
	if episodeID == "" {
		status = "empty"
	}
	resultData, _ := json.Marshal(map[string]any{
		"episode_id": episodeID,
		"status":     status,
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.session.Stats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(stats, "", "  ")
	return textResult(string(resultData)), nil
}

func splitMarkers(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if m := strings.TrimSpace(part); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
