package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SessionID 会话标识（客户端生成或服务端签发）
type SessionID string

// AgentID 客服坐席标识
type AgentID string

// UserID 会话背后的稳定用户标识。
// 纯数字的标识在 JSON 中编码为整数（与前端和应答服务的约定一致），其余编码为字符串。
type UserID string

// Numeric 标识是否为规范的十进制整数
func (u UserID) Numeric() (int64, bool) {
	n, err := strconv.ParseInt(string(u), 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != string(u) {
		return 0, false
	}
	return n, true
}

// MarshalJSON 实现 json.Marshaler
func (u UserID) MarshalJSON() ([]byte, error) {
	if n, ok := u.Numeric(); ok {
		return strconv.AppendInt(nil, n, 10), nil
	}
	return json.Marshal(string(u))
}

// UnmarshalJSON 同时接受整数与字符串
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: user id %s", ErrInvalidInput, data)
	}
	*u = UserID(n.String())
	return nil
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewSessionID 签发一个抗碰撞的会话ID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ValidateSessionID 校验客户端提供的会话ID
func ValidateSessionID(id SessionID) error {
	if !sessionIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: invalid session id %q", ErrInvalidInput, id)
	}
	return nil
}

// Mode 会话模式
type Mode int32

const (
	ModeBot Mode = iota
	ModeWaitingHuman
	ModeHuman
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeBot:
		return "BOT"
	case ModeWaitingHuman:
		return "WAITING_HUMAN"
	case ModeHuman:
		return "HUMAN"
	case ModeClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ParseMode 从字符串解析模式（用于持久化恢复）
func ParseMode(s string) (Mode, error) {
	switch s {
	case "BOT":
		return ModeBot, nil
	case "WAITING_HUMAN":
		return ModeWaitingHuman, nil
	case "HUMAN":
		return ModeHuman, nil
	case "CLOSED":
		return ModeClosed, nil
	default:
		return ModeBot, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sender 消息发送方
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Notice 系统消息的类别
type Notice string

const (
	NoticeNone              Notice = ""
	NoticeHandoverRequested Notice = "handover_requested"
	NoticeAgentJoined       Notice = "agent_joined"
	NoticeSessionClosed     Notice = "session_closed"
)

// Message 会话中的一条消息
type Message struct {
	ID        string    `json:"id"`
	SessionID SessionID `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	AgentID   AgentID `json:"agent_id,omitempty"`
	Notice    Notice  `json:"notice,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

// NewMessage 创建消息，时间戳由首个观察到它的端点赋值
func NewMessage(sessionID SessionID, sender Sender, content string, now time.Time) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Timestamp: now,
	}
}

// Session 会话快照
type Session struct {
	ID           SessionID `json:"session_id"`
	UserID       UserID    `json:"user_id"`
	Mode         Mode      `json:"mode"`
	OwningAgent  AgentID   `json:"owning_agent_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// IsOpen 会话是否仍可接收消息
func (s Session) IsOpen() bool {
	return s.Mode != ModeClosed
}

// Alert 升级告警，仅在 WAITING_HUMAN 且未被认领时存在
type Alert struct {
	SessionID SessionID `json:"session_id"`
	UserID    UserID    `json:"user_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActorKind 触发状态迁移的主体类别
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Actor 状态迁移的发起者
type Actor struct {
	Kind    ActorKind
	AgentID AgentID
	Reason  string
}

// UserActor 用户发起
func UserActor(reason string) Actor {
	return Actor{Kind: ActorUser, Reason: reason}
}

// AgentActor 坐席发起
func AgentActor(id AgentID) Actor {
	return Actor{Kind: ActorAgent, AgentID: id}
}

// SystemActor 系统发起（机器人失败等）
func SystemActor(reason string) Actor {
	return Actor{Kind: ActorSystem, Reason: reason}
}
