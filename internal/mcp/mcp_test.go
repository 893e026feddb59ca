package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/storage/memstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	session, err := kioku.New("mcp-test", memstore.New())
	require.NoError(t, err)
	require.NoError(t, session.Initialize(context.Background()))
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	return New(session, nil, "test")
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return text.Text
}

func TestHandleIngest(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	result, err := server.handleIngest(ctx, callRequest("kioku_ingest", map[string]any{
		"role":    "user",
		"content": "decision: use PostgreSQL for storage",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "ingest should succeed: %s", parseToolText(t, result))

	var payload struct {
		TurnID string `json:"turn_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.NotEmpty(t, payload.TurnID)
	assert.Equal(t, "recorded", payload.Status)
}

func TestHandleIngestMissingFields(t *testing.T) {
	server := newTestServer(t)

	result, err := server.handleIngest(context.Background(), callRequest("kioku_ingest", map[string]any{
		"role": "user",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "required")
}

func TestHandleIngestExplicitMarkers(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	result, err := server.handleIngest(ctx, callRequest("kioku_ingest", map[string]any{
		"role":    "user",
		"content": "keep responses terse",
		"markers": "constraint, custom:style",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	recall, err := server.handleRecall(ctx, callRequest("kioku_recall", map[string]any{
		"query": "response style",
	}))
	require.NoError(t, err)
	require.False(t, recall.IsError)

	var payload struct {
		Items []kioku.ContextItem `json:"items"`
		Total int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, recall)), &payload))
	require.Equal(t, 1, payload.Total)
	assert.ElementsMatch(t, []string{"constraint", "custom:style"}, payload.Items[0].Markers)
}

func TestHandleRecallMissingQuery(t *testing.T) {
	server := newTestServer(t)

	result, err := server.handleRecall(context.Background(), callRequest("kioku_recall", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "query is required")
}

func TestHandleCloseEpisode(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	// Closing with no turns reports an empty episode.
	result, err := server.handleCloseEpisode(ctx, callRequest("kioku_close_episode", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		EpisodeID string `json:"episode_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, "empty", payload.Status)

	// After a turn, closing returns the episode id.
	_, err = server.handleIngest(ctx, callRequest("kioku_ingest", map[string]any{
		"role": "user", "content": "hello",
	}))
	require.NoError(t, err)

	result, err = server.handleCloseEpisode(ctx, callRequest("kioku_close_episode", map[string]any{
		"reason": "topic change",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, "closed", payload.Status)
	assert.NotEmpty(t, payload.EpisodeID)
}

func TestHandleStats(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := server.handleIngest(ctx, callRequest("kioku_ingest", map[string]any{
			"role": "user", "content": content,
		}))
		require.NoError(t, err)
	}

	result, err := server.handleStats(ctx, callRequest("kioku_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var stats kioku.SessionStats
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &stats))
	assert.Equal(t, 3, stats.TurnCount)
	assert.Equal(t, 1, stats.EpisodeCount)
}

func TestStatsResource(t *testing.T) {
	server := newTestServer(t)

	contents, err := server.handleStatsResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "kioku://session/stats", text.URI)
	assert.Equal(t, "application/json", text.MIMEType)
}

func TestSplitMarkers(t *testing.T) {
	assert.Nil(t, splitMarkers(""))
	assert.Equal(t, []string{"decision"}, splitMarkers("decision"))
	assert.Equal(t, []string{"constraint", "custom:x"}, splitMarkers(" constraint , custom:x ,"))
}
