package chatserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/protocol"
)

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
	LastAck          atomic.Uint64 // 客户端回执的最大投递序号
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Role protocol.Role

	// 用户连接
	SessionID domain.SessionID
	// 坐席连接
	AgentID domain.AgentID

	Stats *ConnectionStats

	queue *outbox.Queue

	// 控制标志
	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // 串行化数据帧写入
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}
