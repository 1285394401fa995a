package protocol

// 事件类型定义 - 用于识别两条通道上的不同消息
const (
	// 用户通道 - 入站
	TypeMessage      = "message"
	TypeRequestHuman = "request_human"
	TypeCloseSession = "close_session" // 两条通道共用

	// 用户通道 - 出站
	TypeBotMessage    = "bot_message"
	TypeAgentMessage  = "agent_message" // 坐席通道也会回显
	TypeHumanAlert    = "human_alert"
	TypeAgentJoined   = "agent_joined"
	TypeSystemNotice  = "system_notice"
	TypeSessionClosed = "session_closed" // 两条通道共用

	// 坐席通道 - 入站
	TypeTakeover = "takeover"
	TypeReply    = "reply"

	// 坐席通道 - 出站
	TypeNewAlert       = "NEW_ALERT"
	TypeAlertWithdrawn = "alert_withdrawn"
	TypeTakenOver      = "taken_over"
	TypeUserMessage    = "user_message"

	// 错误响应
	TypeError = "error"

	// 投递回执，两条通道共用，seq 为已处理的最大投递序号
	TypeAck = "ack"
)

// Role 连接的角色
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// IsValidType 检查事件类型是否有效
func IsValidType(t string) bool {
	switch t {
	case TypeMessage, TypeRequestHuman, TypeCloseSession,
		TypeBotMessage, TypeAgentMessage, TypeHumanAlert, TypeAgentJoined, TypeSystemNotice, TypeSessionClosed,
		TypeTakeover, TypeReply,
		TypeNewAlert, TypeAlertWithdrawn, TypeTakenOver, TypeUserMessage,
		TypeError, TypeAck:
		return true
	default:
		return false
	}
}

// IsInbound 判断是否为该角色可以发送给服务端的事件
func IsInbound(role Role, t string) bool {
	switch role {
	case RoleUser:
		return t == TypeMessage || t == TypeRequestHuman || t == TypeCloseSession || t == TypeAck
	case RoleAgent:
		return t == TypeTakeover || t == TypeReply || t == TypeCloseSession || t == TypeAck
	default:
		return false
	}
}

// IsPush 判断是否为服务端推送事件
func IsPush(t string) bool {
	return IsValidType(t) && !IsInbound(RoleUser, t) && !IsInbound(RoleAgent, t)
}
