package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestNewBridgeTool_PrefixAndSchema(t *testing.T) {
	var connected atomic.Bool
	connected.Store(true)

	mcpTool := mcpgo.Tool{
		Name:        "search",
		Description: "searches things",
	}
	mcpTool.InputSchema.Properties = map[string]interface{}{
		"q": map[string]interface{}{"type": "string"},
	}
	mcpTool.InputSchema.Required = []string{"q"}

	bt := NewBridgeTool("web", mcpTool, nil, "web", 30, &connected)
	if bt.Name() != "web_search" {
		t.Errorf("prefixed name = %q", bt.Name())
	}
	if bt.OriginalName() != "search" {
		t.Errorf("original name = %q", bt.OriginalName())
	}

	schema := bt.Parameters()
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	required, _ := schema["required"].([]string)
	if len(required) != 1 || required[0] != "q" {
		t.Errorf("required = %v", schema["required"])
	}
}

func TestNewBridgeTool_NoPrefixKeepsName(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "fetch"}, nil, "", 30, &connected)
	if bt.Name() != "fetch" {
		t.Errorf("name = %q", bt.Name())
	}
}

func TestBridgeTool_DisconnectedFailsFast(t *testing.T) {
	var connected atomic.Bool // false: reconnect in progress
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "fetch"}, nil, "", 30, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Error("disconnected server must fail fast without touching the transport")
	}
}

func TestPingUnsupportedTreatedAsHealthy(t *testing.T) {
	if !pingUnsupported(errors.New("rpc: Method Not Found")) {
		t.Error("method-not-found must count as alive")
	}
	if pingUnsupported(errors.New("connection refused")) {
		t.Error("transport failures are not ping-unsupported")
	}
}
