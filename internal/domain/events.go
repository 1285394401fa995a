package domain

// EventType 注册表领域事件类型
type EventType string

const (
	EventSessionCreated  EventType = "SESSION_CREATED"
	EventModeChanged     EventType = "MODE_CHANGED"
	EventMessageAppended EventType = "MESSAGE_APPENDED"
)

// Event 注册表在每次成功的 create / transition / appendMessage 后发出的事件。
// 事件在会话锁内同步投递，处理者只能做非阻塞的入队操作，不得回调注册表。
type Event struct {
	Type    EventType
	Session Session
	From    Mode
	To      Mode
	Actor   Actor
	Message *Message

	// 迁移到 HUMAN 时携带迁移前的消息日志，供新的坐席获取上下文
	History []*Message
}

// EventSink 领域事件消费者
type EventSink interface {
	HandleEvent(ev Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(ev Event)

// HandleEvent 实现 EventSink
func (f EventSinkFunc) HandleEvent(ev Event) {
	f(ev)
}
