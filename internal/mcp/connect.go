package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/tools"
)

// connectServer dials one configured server, runs the MCP handshake,
// bridges every discovered tool into the registry, and starts the
// liveness watch. Tools from a server marked checked join the Safety
// Gate's CHECKED set, so remote tools get the same pre-execution
// scrutiny as the local shell (spec §4.9).
func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// stdio transports start on creation; the network ones need an
	// explicit Start before the handshake.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}
	if err := handshake(ctx, client); err != nil {
		client.Close()
		return err
	}

	discovered, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	ss := &serverState{
		name:       name,
		transport:  cfg.Transport,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)
	ss.toolNames = m.bridgeTools(name, cfg, discovered.Tools, client, &ss.connected, timeoutSec)

	if len(ss.toolNames) > 0 {
		tools.RegisterToolGroup("mcp:"+name, ss.toolNames)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	go m.watch(watchCtx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()
	m.syncGroup()

	slog.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", len(ss.toolNames))
	return nil
}

// bridgeTools registers a BridgeTool per discovered tool, skipping name
// collisions with already-registered tools.
func (m *Manager) bridgeTools(serverName string, cfg *config.MCPServerConfig, discovered []mcpgo.Tool, client *mcpclient.Client, connected *atomic.Bool, timeoutSec int) []string {
	var names []string
	for _, mcpTool := range discovered {
		bt := NewBridgeTool(serverName, mcpTool, client, cfg.ToolPrefix, timeoutSec, connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp.tool.name_collision", "server", serverName, "tool", bt.Name(), "action", "skipped")
			continue
		}
		m.registry.Register(bt)
		if cfg.Checked {
			tools.MarkChecked(bt.Name())
		}
		names = append(names, bt.Name())
	}
	return names
}

// dial builds the transport-appropriate client.
func dial(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

func handshake(ctx context.Context, client *mcpclient.Client) error {
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: "ouroboros", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// watch pings the server on an interval and drives reconnection with
// exponential back-off while it stays unreachable. Bridge tools fail fast
// off the shared connected flag in the meantime.
func (m *Manager) watch(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := ss.client.Ping(ctx)
		if err == nil || pingUnsupported(err) {
			ss.markHealthy()
			continue
		}

		ss.connected.Store(false)
		ss.mu.Lock()
		ss.lastErr = err.Error()
		attempt := ss.reconnAttempts + 1
		ss.reconnAttempts = attempt
		ss.mu.Unlock()

		if attempt > maxReconnectAttempts {
			slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
			return
		}

		backoff := initialBackoff * time.Duration(1<<(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		slog.Warn("mcp.server.unreachable", "server", ss.name, "attempt", attempt, "retry_in", backoff, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if ss.client.Ping(ctx) == nil {
			ss.markHealthy()
			slog.Info("mcp.server.reconnected", "server", ss.name)
		}
	}
}

// pingUnsupported detects servers that simply don't implement ping; they
// are treated as healthy rather than dead.
func pingUnsupported(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}
