package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/wationgarbarad/ouroboros/internal/tools"
)

// BridgeTool adapts a single tool discovered on a remote MCP server to the
// local tools.Tool interface, so the policy engine and agent loop can treat
// it like any built-in tool.
type BridgeTool struct {
	serverName   string
	originalName string
	prefixedName string
	description  string
	schema       map[string]interface{}
	client       *mcpclient.Client
	timeout      time.Duration
	connected    *atomic.Bool
}

// NewBridgeTool wraps an MCP tool definition discovered via ListTools.
// connected points at the owning server's liveness flag so Execute can
// fail fast while a reconnect is in progress.
func NewBridgeTool(serverName string, mcpTool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := mcpTool.Name
	prefixed := name
	if toolPrefix != "" {
		prefixed = toolPrefix + "_" + name
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": mcpTool.InputSchema.Properties,
	}
	if len(mcpTool.InputSchema.Required) > 0 {
		schema["required"] = mcpTool.InputSchema.Required
	}

	return &BridgeTool{
		serverName:   serverName,
		originalName: name,
		prefixedName: prefixed,
		description:  mcpTool.Description,
		schema:       schema,
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
		connected:    connected,
	}
}

func (b *BridgeTool) Name() string                       { return b.prefixedName }
func (b *BridgeTool) OriginalName() string               { return b.originalName }
func (b *BridgeTool) Description() string                { return b.description }
func (b *BridgeTool) Parameters() map[string]interface{} { return b.schema }

// Execute forwards the call to the remote MCP server via CallTool. A server
// that has gone unreachable (connected == false) fails immediately rather
// than blocking on a dead transport until the request timeout.
func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.Errorf("mcp server %q is not connected", b.serverName)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.originalName
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.Errorf("mcp call %s/%s: %v", b.serverName, b.originalName, err)
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return tools.Errorf("%s", text)
	}
	return tools.Text("%s", text)
}
