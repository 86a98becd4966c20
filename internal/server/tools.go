package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Info describes the gateway to connected clients.
type Info struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Transport      string `json:"transport"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	Upstream       bool   `json:"upstream"`
}

// gatewayInfoInput is empty since this tool has no parameters.
type gatewayInfoInput struct{}

// fizzyFetchInput selects the Fizzy API resource to read.
type fizzyFetchInput struct {
	Path string `json:"path" jsonschema:"resource path, e.g. /boards/7/cards"`
}

// registerGatewayTools adds the gateway's own tools to a session's MCP
// server. The fetch tool is only offered when an upstream is configured.
func (s *Server) registerGatewayTools(mcpServer *mcp.Server) {
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name: "gateway_info",
		Description: "Get information about this Fizzy MCP gateway, including " +
			"session occupancy and whether an upstream Fizzy API is configured.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ gatewayInfoInput) (*mcp.CallToolResult, any, error) {
		return s.handleGatewayInfo(ctx, req)
	})

	if s.upstream == nil {
		return
	}

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name: "fizzy_fetch",
		Description: "Read a resource from the Fizzy API by path. Responses " +
			"are cached and revalidated with conditional requests.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input fizzyFetchInput) (*mcp.CallToolResult, any, error) {
		return s.handleFizzyFetch(ctx, input)
	})
}

func (s *Server) handleGatewayInfo(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	stats := s.store.Stats()
	info := Info{
		Name:           s.cfg.Server.Name,
		Version:        Version,
		Transport:      s.cfg.Server.Transport,
		ActiveSessions: stats.ActiveSessions,
		MaxSessions:    stats.MaxSessions,
		Upstream:       s.upstream != nil,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling gateway info: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func (s *Server) handleFizzyFetch(ctx context.Context, input fizzyFetchInput) (*mcp.CallToolResult, any, error) {
	if input.Path == "" {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "path is required"}},
			IsError: true,
		}, nil, nil
	}

	body, err := s.upstream.Get(ctx, input.Path)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			IsError: true,
		}, nil, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}, nil, nil
}
