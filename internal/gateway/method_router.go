package gateway

import (
	"context"
	"encoding/json"

	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// SupervisorAPI is the narrow surface the gateway needs from the
// supervisor's main loop. Keeping it an interface avoids the gateway
// package importing the supervisor package directly (which in turn
// imports gateway to wire event forwarding).
type SupervisorAPI interface {
	StateSnapshot(ctx context.Context) (interface{}, error)
	SettingsGet(ctx context.Context) (interface{}, error)
	SettingsSet(ctx context.Context, patch json.RawMessage) (interface{}, error)
	Command(ctx context.Context, text string) (interface{}, error)
	Reset(ctx context.Context) (interface{}, error)
	GitLog(ctx context.Context, limit int) (interface{}, error)
	GitRollback(ctx context.Context, ref string) (interface{}, error)
	GitPromote(ctx context.Context) (interface{}, error)
	ChatSend(ctx context.Context, chatID, text string) (interface{}, error)
	ChatHistory(ctx context.Context, chatID string, limit int) (interface{}, error)
	ChatInject(ctx context.Context, taskID, text string) (interface{}, error)
	TasksList(ctx context.Context) (interface{}, error)
	TasksCancel(ctx context.Context, taskID string) (interface{}, error)
	UsageGet(ctx context.Context) (interface{}, error)
}

// MethodRouter dispatches RPC method names to the bound SupervisorAPI.
type MethodRouter struct {
	srv *Server
}

// NewMethodRouter builds a router bound to srv. srv.api may be nil until
// SetSupervisor is called; Dispatch returns a "not ready" error until then.
func NewMethodRouter(srv *Server) *MethodRouter {
	return &MethodRouter{srv: srv}
}

// Dispatch resolves a method name + raw params into a result or RPCError.
func (m *MethodRouter) Dispatch(ctx context.Context, method string, params interface{}) (interface{}, *protocol.RPCError) {
	api := m.srv.api
	if api == nil {
		return nil, &protocol.RPCError{Code: 503, Message: "supervisor not attached"}
	}

	raw, _ := json.Marshal(params)

	var err error
	var result interface{}
	switch method {
	case protocol.MethodHealth, protocol.MethodConnect:
		result = map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion}
	case protocol.MethodStateGet, protocol.MethodStatus:
		result, err = api.StateSnapshot(ctx)
	case protocol.MethodSettingsGet:
		result, err = api.SettingsGet(ctx)
	case protocol.MethodSettingsSet:
		result, err = api.SettingsSet(ctx, raw)
	case protocol.MethodCommand:
		var p struct {
			Text string `json:"text"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.Command(ctx, p.Text)
	case protocol.MethodReset:
		result, err = api.Reset(ctx)
	case protocol.MethodGitLog:
		var p struct {
			Limit int `json:"limit"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.GitLog(ctx, p.Limit)
	case protocol.MethodGitRollback:
		var p struct {
			Ref string `json:"ref"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.GitRollback(ctx, p.Ref)
	case protocol.MethodGitPromote:
		result, err = api.GitPromote(ctx)
	case protocol.MethodChatSend:
		var p struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.ChatSend(ctx, p.ChatID, p.Text)
	case protocol.MethodChatHistory:
		var p struct {
			ChatID string `json:"chat_id"`
			Limit  int    `json:"limit"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.ChatHistory(ctx, p.ChatID, p.Limit)
	case protocol.MethodChatInject:
		var p struct {
			TaskID string `json:"task_id"`
			Text   string `json:"text"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.ChatInject(ctx, p.TaskID, p.Text)
	case protocol.MethodTasksList:
		result, err = api.TasksList(ctx)
	case protocol.MethodTasksCancel:
		var p struct {
			TaskID string `json:"task_id"`
		}
		json.Unmarshal(raw, &p)
		result, err = api.TasksCancel(ctx, p.TaskID)
	case protocol.MethodUsageGet:
		result, err = api.UsageGet(ctx)
	default:
		return nil, &protocol.RPCError{Code: 404, Message: "unknown method: " + method}
	}

	if err != nil {
		return nil, &protocol.RPCError{Code: 500, Message: err.Error()}
	}
	return result, nil
}
