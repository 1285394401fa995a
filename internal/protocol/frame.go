package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"HandoverDesk/internal/domain"
)

const (
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 64 * 1024
	// 单条消息正文上限
	MaxContentSize = 16 * 1024

	// CloseReplaced 同一接收方的新连接替换了旧连接，旧连接不应重连
	CloseReplaced = 4001
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrUnknownType   = errors.New("unknown event type")
)

// Envelope 两条通道共用的JSON消息信封
type Envelope struct {
	Type string `json:"type"`

	// 每个接收方单调递增的投递序号，客户端据此去重并回执
	Seq uint64 `json:"seq,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	// 坐席入站命令沿用的字段名
	SessID string `json:"sess_id,omitempty"`

	// 纯数字的用户标识编码为 JSON 整数
	UserID  domain.UserID `json:"user_id,omitempty"`
	AgentID string        `json:"agent_id,omitempty"`

	Message    string    `json:"message,omitempty"`
	MessageSeq uint64    `json:"message_seq,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	Retryable  bool      `json:"retryable,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	Code      string    `json:"code,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`

	// taken_over 携带的会话历史
	History []*domain.Message `json:"history,omitempty"`
}

// Session 返回信封指向的会话，兼容 sess_id 与 session_id
func (e *Envelope) Session() domain.SessionID {
	if e.SessID != "" {
		return domain.SessionID(e.SessID)
	}
	return domain.SessionID(e.SessionID)
}

// Encode 编码信封
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope failed: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode 解码并校验信封
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	if !IsValidType(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Message) > MaxContentSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrFrameTooLarge, len(env.Message))
	}
	return env, nil
}

// DecodeInbound 解码客户端发来的命令并校验角色权限
func DecodeInbound(role Role, raw []byte) (*Envelope, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if !IsInbound(role, env.Type) {
		return nil, fmt.Errorf("%w: %s cannot send %q", ErrInvalidFrame, role, env.Type)
	}
	switch env.Type {
	case TypeMessage, TypeReply:
		if strings.TrimSpace(env.Message) == "" {
			return nil, fmt.Errorf("%w: empty message", ErrInvalidFrame)
		}
	case TypeAck:
		if env.Seq == 0 {
			return nil, fmt.Errorf("%w: ack without seq", ErrInvalidFrame)
		}
		return env, nil
	}
	if role == RoleAgent && env.Session() == "" {
		return nil, fmt.Errorf("%w: missing sess_id", ErrInvalidFrame)
	}
	return env, nil
}

// FromMessage 将会话消息转换为出站信封
func FromMessage(eventType string, msg *domain.Message) *Envelope {
	return &Envelope{
		Type:       eventType,
		SessionID:  string(msg.SessionID),
		AgentID:    string(msg.AgentID),
		Message:    msg.Content,
		MessageSeq: msg.Seq,
		Timestamp:  msg.Timestamp,
		Retryable:  msg.Retryable,
	}
}

// UserEventType 用户通道上消息对应的事件类型
func UserEventType(msg *domain.Message) string {
	switch msg.Sender {
	case domain.SenderBot:
		return TypeBotMessage
	case domain.SenderAgent:
		return TypeAgentMessage
	case domain.SenderSystem:
		switch msg.Notice {
		case domain.NoticeHandoverRequested:
			return TypeHumanAlert
		case domain.NoticeAgentJoined:
			return TypeAgentJoined
		case domain.NoticeSessionClosed:
			return TypeSessionClosed
		}
		return TypeSystemNotice
	default:
		return TypeUserMessage
	}
}

// Ack 构造投递回执
func Ack(seq uint64) *Envelope {
	return &Envelope{Type: TypeAck, Seq: seq}
}

// ErrorEnvelope 构造错误事件
func ErrorEnvelope(sessionID domain.SessionID, err error) *Envelope {
	return &Envelope{
		Type:      TypeError,
		SessionID: string(sessionID),
		Code:      domain.ErrorCode(err),
		Message:   err.Error(),
	}
}
