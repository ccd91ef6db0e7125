// Package mcpserver registers MCP tools that expose Hue connectivity.
// It adapts the hue package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
)

// Connectivity is the part of the resolver the tools use.
type Connectivity interface {
	Status(ctx context.Context) (hue.Status, error)
	ResolveProvider(ctx context.Context) (hue.Provider, error)
}

// Refresher runs a proactive token refresh.
type Refresher interface {
	ProactiveRefresh(ctx context.Context, threshold time.Duration) (hue.ProactiveResult, error)
}

// RegisterTools adds all Hue tools to the given MCP server.
func RegisterTools(server *mcp.Server, conn Connectivity, tokens Refresher) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "hue_status",
		Description: "Report how the Hue bridge is currently reachable: local, remote, hybrid or disconnected. Probes the LAN bridge but never refreshes tokens.",
	}, statusHandler(conn))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "hue_list_resources",
		Description: "List CLIP v2 resources of one type (light, room, zone, scene, grouped_light, device, bridge). Goes over the LAN when the bridge answers, else through the Remote API.",
	}, listResourcesHandler(conn))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "hue_refresh_token",
		Description: "Refresh the Remote API access token if it expires within the threshold. Does nothing when it is not expiring soon.",
	}, refreshHandler(tokens))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListResourcesInput holds parameters for hue_list_resources.
type ListResourcesInput struct {
	Type string `json:"type" jsonschema:"required,CLIP v2 resource type such as light or room"`
}

// RefreshInput holds parameters for hue_refresh_token.
type RefreshInput struct {
	ThresholdHours int `json:"threshold_hours,omitempty" jsonschema:"refresh only if the token expires within this many hours, defaults to 24"`
}

// --- Output types ---

// ListResourcesResult is the output of hue_list_resources.
type ListResourcesResult struct {
	Mode      string `json:"mode"`
	Type      string `json:"type"`
	Count     int    `json:"count"`
	Resources []any  `json:"resources"`
}

// RefreshResult is the output of hue_refresh_token.
type RefreshResult struct {
	Status           string `json:"status"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	ExpiresAt        string `json:"expires_at,omitempty"`
}

// --- Handlers ---

func statusHandler(conn Connectivity) mcp.ToolHandlerFor[StatusInput, *hue.Status] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *hue.Status, error) {
		st, err := conn.Status(ctx)
		if err != nil {
			return nil, nil, err
		}
		return textResult(st), &st, nil
	}
}

func listResourcesHandler(conn Connectivity) mcp.ToolHandlerFor[ListResourcesInput, *ListResourcesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListResourcesInput) (*mcp.CallToolResult, *ListResourcesResult, error) {
		ctx, _ = hue.NewRefreshScope(ctx)

		p, err := conn.ResolveProvider(ctx)
		if err != nil {
			return nil, nil, err
		}

		raw, err := p.ListResources(ctx, input.Type)
		if err != nil {
			return nil, nil, err
		}

		result := &ListResourcesResult{
			Mode:      string(p.Mode()),
			Type:      input.Type,
			Resources: []any{},
		}
		if err := json.Unmarshal(raw, &result.Resources); err != nil {
			return nil, nil, fmt.Errorf("decoding %s resources: %w", input.Type, err)
		}
		result.Count = len(result.Resources)

		return textResult(result), result, nil
	}
}

func refreshHandler(tokens Refresher) mcp.ToolHandlerFor[RefreshInput, *RefreshResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RefreshInput) (*mcp.CallToolResult, *RefreshResult, error) {
		if input.ThresholdHours < 0 {
			return nil, nil, fmt.Errorf("threshold_hours must not be negative")
		}

		res, err := tokens.ProactiveRefresh(ctx, time.Duration(input.ThresholdHours)*time.Hour)
		if err != nil {
			return nil, nil, err
		}

		result := &RefreshResult{
			Status:           string(res.Status),
			RemainingSeconds: int64(res.Remaining / time.Second),
		}
		if !res.ExpiresAt.IsZero() {
			result.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
