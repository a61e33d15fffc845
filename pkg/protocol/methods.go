package protocol

// RPC/WS method name constants for the supervisor's control-plane surface.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodStateGet    = "state.get"
	MethodSettingsGet = "settings.get"
	MethodSettingsSet = "settings.set"

	MethodCommand = "command" // free-form control command, e.g. "/status", "/restart"
	MethodReset   = "reset"   // deletes the chat/tools/events/progress append logs and their rotations

	MethodGitLog      = "git.log"
	MethodGitRollback = "git.rollback"
	MethodGitPromote  = "git.promote"

	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatInject  = "chat.inject"

	MethodTasksList   = "tasks.list"
	MethodTasksCancel = "tasks.cancel"

	MethodUsageGet = "usage.get"

	MethodLogsTail  = "logs.tail"
	MethodHeartbeat = "heartbeat"
)
