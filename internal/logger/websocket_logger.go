package logger

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 推送给看板的结构化事件
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStream 把协调器事件通过WebSocket广播给看板观察者。
// 所有方法对 nil 接收者安全，未启用时等同于只写本地日志。
type EventStream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

// NewEventStream 创建事件广播器
func NewEventStream(allowOrigin func(r *http.Request) bool) *EventStream {
	if allowOrigin == nil {
		allowOrigin = func(r *http.Request) bool { return true }
	}
	return &EventStream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: allowOrigin},
	}
}

// Run 启动广播循环，ctx 取消时断开所有观察者
func (es *EventStream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(es.done)
			es.mu.Lock()
			for client := range es.clients {
				client.Close()
				delete(es.clients, client)
			}
			es.mu.Unlock()
			return

		case client := <-es.register:
			es.mu.Lock()
			es.clients[client] = true
			n := len(es.clients)
			es.mu.Unlock()
			log.Printf("Event stream observer connected, total: %d", n)

		case client := <-es.unregister:
			es.mu.Lock()
			if _, ok := es.clients[client]; ok {
				delete(es.clients, client)
				client.Close()
			}
			n := len(es.clients)
			es.mu.Unlock()
			log.Printf("Event stream observer disconnected, total: %d", n)

		case message := <-es.broadcast:
			var failed []*websocket.Conn
			es.mu.RLock()
			for client := range es.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					log.Printf("Send event to observer failed: %v", err)
					failed = append(failed, client)
				}
			}
			es.mu.RUnlock()

			if len(failed) > 0 {
				es.mu.Lock()
				for _, client := range failed {
					delete(es.clients, client)
					client.Close()
				}
				es.mu.Unlock()
			}
		}
	}
}

func (es *EventStream) publish(level, module, sessionID, message string) {
	if sessionID != "" {
		log.Printf("[%s] %s: session=%s %s", level, module, sessionID, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}
	if es == nil {
		return
	}

	select {
	case es.broadcast <- LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}:
	default:
		// 如果通道满了，丢弃消息避免阻塞
	}
}

// LogInfo 记录信息事件
func (es *EventStream) LogInfo(module, sessionID, message string) {
	es.publish("INFO", module, sessionID, message)
}

// LogWarning 记录警告事件
func (es *EventStream) LogWarning(module, sessionID, message string) {
	es.publish("WARNING", module, sessionID, message)
}

// LogError 记录错误事件
func (es *EventStream) LogError(module, sessionID, message string) {
	es.publish("ERROR", module, sessionID, message)
}

// Observers 当前观察者数量
func (es *EventStream) Observers() int {
	if es == nil {
		return 0
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.clients)
}

// HandleWebSocket 处理 GET /ws/events
func (es *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Event stream upgrade failed: %v", err)
		return
	}

	// 欢迎消息先于注册发送，避免与广播并发写
	conn.WriteJSON(LogMessage{
		Level:     "INFO",
		Message:   "connected to handover event stream",
		Module:    "events",
		Timestamp: time.Now(),
	})

	select {
	case es.register <- conn:
	case <-es.done:
		conn.Close()
		return
	}
	defer func() {
		select {
		case es.unregister <- conn:
		case <-es.done:
			conn.Close()
		}
	}()

	// 只读，用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Event stream connection error: %v", err)
			}
			return
		}
	}
}
