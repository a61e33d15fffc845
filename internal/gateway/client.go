package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// Client wraps a single WebSocket connection's read/write loops.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	sendMu sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewClient wraps a raw websocket connection.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:     generateClientID(),
		conn:   conn,
		srv:    srv,
		closed: make(chan struct{}),
	}
}

// SendEvent pushes an event frame to the client, dropping it if the
// connection is already closed rather than blocking the dispatcher.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteJSON(ev); err != nil {
		slog.Debug("gateway.client.send_failed", "id", c.id, "error", err)
	}
}

// Close terminates the connection exactly once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Run reads RPC requests off the connection until it closes or ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return
		}

		if c.srv.rateLimiter.Enabled() && !c.srv.rateLimiter.Allow(c.id) {
			c.reply("", nil, &protocol.RPCError{Code: 429, Message: "rate limit exceeded"})
			continue
		}

		// Two client dialects share the socket: RPC requests ({method})
		// and the simple UI frames ({type: chat|command, text}).
		var req protocol.Request
		if json.Unmarshal(raw, &req) == nil && req.Method != "" {
			result, rpcErr := c.srv.router.Dispatch(ctx, req.Method, req.Params)
			c.reply(req.ID, result, rpcErr)
			continue
		}

		var frame struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &frame) == nil && (frame.Type == "chat" || frame.Type == "command") {
			if _, err := c.srv.api.ChatSend(ctx, "", frame.Text); err != nil {
				c.reply("", nil, &protocol.RPCError{Code: 500, Message: err.Error()})
			}
		}
	}
}

func (c *Client) reply(id string, result interface{}, rpcErr *protocol.RPCError) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.WriteJSON(protocol.Response{ID: id, Result: result, Error: rpcErr})
}

func generateClientID() string {
	return uuid.NewString()
}
