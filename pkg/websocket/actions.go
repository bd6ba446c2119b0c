package websocket

// Action constants for WebSocket messages.
const (
	// Health
	ActionHealthCheck = "health.check"

	// User actions
	ActionUserRegister = "user.register"

	// Space actions
	ActionSpaceJoin = "space.join"

	// Agent actions
	ActionAgentList     = "agent.list"
	ActionAgentValidate = "agent.validate"

	// Session actions
	ActionSessionStart = "session.start"
	ActionSessionEnd   = "session.end"

	// Topic actions
	ActionTopicList   = "topic.list"
	ActionTopicSave   = "topic.save"
	ActionTopicDelete = "topic.delete"
	ActionTopicHistory = "topic.history"

	// Stream actions
	ActionStreamSend     = "stream.send"
	ActionStreamResume   = "stream.resume"
	ActionStreamState    = "stream.state"
	ActionStreamCancel   = "stream.cancel"
	ActionStreamSubscribe = "stream.subscribe"

	// Approval actions
	ActionApprovalRespond = "approval.respond"
	ActionApprovalPending = "approval.pending"

	// Notification actions (server -> client)
	ActionTopicChanged      = "topic.changed"
	ActionStreamChanged     = "stream.changed"
	ActionNewMessage        = "stream.message"
	ActionApprovalResolved  = "approval.resolved"
	ActionToolCalls         = "stream.tool_calls"
	ActionUserMessage       = "stream.user_message"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
