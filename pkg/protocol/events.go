package protocol

// WebSocket event names pushed from server to client.
const (
	// EventAgent carries raw canonical agent events (text deltas, tool
	// activity, usage) for UI rendering.
	EventAgent = "agent"

	// EventRunner carries runner lifecycle events (state changes, queued
	// messages, errors, loop completion, user notifications).
	EventRunner = "runner"

	// EventToolCall asks a remote executor to run a tool; the answer comes
	// back through the tool.result method.
	EventToolCall = "tool.call"

	EventCron     = "cron"
	EventShutdown = "shutdown"
	EventTick     = "tick"
)

// Runner event subtypes (in payload.type), mirroring the runner package.
const (
	RunnerEventStateChange  = "state_change"
	RunnerEventMessage      = "message"
	RunnerEventError        = "error"
	RunnerEventLoopComplete = "loop_complete"
	RunnerEventNotifyUser   = "notify_user"
)

// RPC method names clients may invoke.
const (
	MethodConnect      = "connect"
	MethodHealth       = "health"
	MethodStatus       = "status"
	MethodChatSend     = "chat.send"
	MethodChatHistory  = "chat.history"
	MethodSubscribe    = "subscribe"
	MethodUnsubscribe  = "unsubscribe"
	MethodPause        = "runner.pause"
	MethodResume       = "runner.resume"
	MethodStop         = "runner.stop"
	MethodIntervene    = "runner.intervene"
	MethodInterveneEnd = "runner.intervene.end"
	MethodToolRegister = "tool.register"
	MethodToolResult   = "tool.result"
	MethodSessionsList = "sessions.list"
	MethodCronList     = "cron.list"
	MethodCronAdd      = "cron.add"
	MethodCronRemove   = "cron.remove"
)
