// Package chatserver 承载用户通道与坐席通道的 WebSocket 端点。
package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"HandoverDesk/internal/auth"
	"HandoverDesk/internal/coordinator"
	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/logger"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/protocol"
)

// ServerConfig 聊天服务器配置
type ServerConfig struct {
	Addr              string
	MaxConnections    int
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	PingInterval      time.Duration // 心跳间隔
	ReadTimeout       time.Duration // 超过该时间没有任何入站数据（含 pong）则断开
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		MaxConnections:    1000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: false,
		PingInterval:      20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		AllowedOrigins:    []string{"*"},
	}
}

// Server 聊天 WebSocket 服务器
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader
	listener net.Listener

	coord  *coordinator.Coordinator
	auth   auth.Authenticator
	events *logger.EventStream

	// 连接管理
	connections sync.Map // map[string]*Connection
	owners      sync.Map // 投递队列 key → 当前持有该队列的连接
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	isRunning atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	totalDelivered   atomic.Uint64
	totalAcked       atomic.Uint64
	replaced         atomic.Uint64
	startTime        time.Time
}

// New 创建聊天服务器。authenticator 为 nil 时不校验坐席令牌，events 可以为 nil
func New(config *ServerConfig, coord *coordinator.Coordinator, authenticator auth.Authenticator, events *logger.EventStream) *Server {
	if config == nil {
		config = DefaultServerConfig(":8080")
	}
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin:       originChecker(config.AllowedOrigins),
		},
		coord:     coord,
		auth:      authenticator,
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/user/{session_id}", s.handleUser)
	router.HandleFunc("/ws/agent/{agent_id}", s.handleAgent)
	if events != nil {
		router.HandleFunc("/ws/events", events.HandleWebSocket)
	}
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/control", s.handleControl)

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: router,
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler 路由，供 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器，监听成功后返回
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	log.Printf("Starting chat server on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址（配置为 :0 时可用来获取端口）
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 关闭服务器。会话状态不受影响，客户端可在重启后重连
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down chat server...")
	s.cancel()

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "Server shutdown")
		return true
	})
	s.connWg.Wait()

	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 强制断开所有连接，用于重连测试
func (s *Server) ForceDisconnectAll() {
	log.Printf("Force disconnecting all connections")
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "Force disconnect")
		return true
	})
}

// handleUser 用户通道 /ws/user/{session_id}?user_id=
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(mux.Vars(r)["session_id"])
	if err := domain.ValidateSessionID(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.admit(w) {
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connCount.Add(-1)
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	userID := domain.UserID(r.URL.Query().Get("user_id"))
	sess, queue, err := s.coord.ConnectUser(s.ctx, sessionID, userID)
	if err != nil {
		s.reject(wsConn, sessionID, err)
		return
	}

	conn := s.newConnection(wsConn, protocol.RoleUser, queue)
	conn.SessionID = sessionID
	log.Printf("User connected: %s session=%s mode=%s from %s", conn.ID, sessionID, sess.Mode, r.RemoteAddr)
	s.events.LogInfo("chatserver", string(sessionID), "user connected")

	s.serve(conn)
}

// handleAgent 坐席通道 /ws/agent/{agent_id}，令牌通过 Authorization 头或 token 参数传递
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := domain.AgentID(mux.Vars(r)["agent_id"])
	if err := s.auth.Authenticate(agentID, auth.TokenFromRequest(r)); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.admit(w) {
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connCount.Add(-1)
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	queue := s.coord.ConnectAgent(agentID)
	conn := s.newConnection(wsConn, protocol.RoleAgent, queue)
	conn.AgentID = agentID
	log.Printf("Agent connected: %s agent=%s from %s", conn.ID, agentID, r.RemoteAddr)
	s.events.LogInfo("chatserver", "", fmt.Sprintf("agent %s connected", agentID))

	s.serve(conn)
}

// admit 检查并占用一个连接名额
func (s *Server) admit(w http.ResponseWriter) bool {
	if !s.isRunning.Load() && s.listener != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return false
	}
	if s.connCount.Add(1) > int32(s.config.MaxConnections) {
		s.connCount.Add(-1)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// reject 连接建立后立即以错误事件拒绝（例如会话已关闭）
func (s *Server) reject(wsConn *websocket.Conn, sessionID domain.SessionID, err error) {
	defer s.connCount.Add(-1)
	log.Printf("Rejecting connection for session %s: %v", sessionID, err)

	if data, encErr := protocol.Encode(protocol.ErrorEnvelope(sessionID, err)); encErr == nil {
		wsConn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		wsConn.WriteMessage(websocket.TextMessage, data)
	}
	wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, domain.ErrorCode(err)),
		time.Now().Add(time.Second))
	wsConn.Close()
}

func (s *Server) newConnection(wsConn *websocket.Conn, role protocol.Role, queue *outbox.Queue) *Connection {
	conn := &Connection{
		ID:       fmt.Sprintf("conn_%s", uuid.NewString()[:8]),
		Conn:     wsConn,
		Role:     role,
		queue:    queue,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())
	s.totalConnections.Add(1)
	s.connections.Store(conn.ID, conn)
	return conn
}

// serve 处理单个连接的生命周期：写协程负责投递与心跳，当前协程读取命令
func (s *Server) serve(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.release(conn)
		s.connWg.Done()
	}()

	// 同一接收方的新连接替换旧连接，队列在新连接上继续投递
	if prev, loaded := s.owners.Swap(conn.queue.Key(), conn); loaded {
		old := prev.(*Connection)
		s.replaced.Add(1)
		log.Printf("Connection %s replaced by %s (%s)", old.ID, conn.ID, conn.queue.Key())
		s.closeWith(old, protocol.CloseReplaced, "Replaced by a new connection")
	}

	s.connWg.Add(1)
	go s.writeLoop(conn)

	s.readLoop(conn)
}

// release 连接退出后的清理。被替换的连接同样要注销，协调器按连接计数
func (s *Server) release(conn *Connection) {
	s.owners.CompareAndDelete(conn.queue.Key(), conn)
	switch conn.Role {
	case protocol.RoleUser:
		s.coord.ReleaseUser(conn.SessionID)
	case protocol.RoleAgent:
		s.coord.ReleaseAgent(conn.AgentID)
	}
}

// readLoop 消息读取循环
func (s *Server) readLoop(conn *Connection) {
	conn.Conn.SetReadLimit(protocol.MaxFrameSize)
	conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Stats.LastActivity.Store(time.Now().UnixNano())
		return conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		messageType, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Connection read error: %s %v", conn.ID, err)
			}
			return
		}
		conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.BytesReceived.Add(uint64(len(rawData)))
		conn.Stats.LastActivity.Store(time.Now().UnixNano())
		s.totalMessages.Add(1)

		if messageType != websocket.TextMessage {
			continue
		}
		s.handleMessage(conn, rawData)
	}
}

// handleMessage 解码并分发一条入站命令，失败时向发送方回写 error 事件
func (s *Server) handleMessage(conn *Connection, rawData []byte) {
	env, err := protocol.DecodeInbound(conn.Role, rawData)
	if err != nil {
		log.Printf("Decode frame failed: %s %v", conn.ID, err)
		s.fail(conn, conn.SessionID, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	if env.Type == protocol.TypeAck {
		conn.queue.Ack(env.Seq)
		conn.Stats.LastAck.Store(env.Seq)
		s.totalAcked.Add(1)
		return
	}

	switch conn.Role {
	case protocol.RoleUser:
		err = s.handleUserCommand(conn, env)
	case protocol.RoleAgent:
		err = s.handleAgentCommand(conn, env)
	}
	if err != nil {
		sessionID := conn.SessionID
		if conn.Role == protocol.RoleAgent {
			sessionID = env.Session()
		}
		s.fail(conn, sessionID, err)
	}
}

func (s *Server) handleUserCommand(conn *Connection, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeMessage:
		_, err := s.coord.HandleUserMessage(s.ctx, conn.SessionID, env.Message)
		return err
	case protocol.TypeRequestHuman:
		_, err := s.coord.RequestHuman(s.ctx, conn.SessionID)
		return err
	case protocol.TypeCloseSession:
		_, err := s.coord.CloseSession(s.ctx, conn.SessionID, domain.UserActor(env.Reason))
		return err
	}
	return nil
}

func (s *Server) handleAgentCommand(conn *Connection, env *protocol.Envelope) error {
	sessionID := env.Session()
	switch env.Type {
	case protocol.TypeTakeover:
		_, err := s.coord.Takeover(s.ctx, conn.AgentID, sessionID)
		return err
	case protocol.TypeReply:
		_, err := s.coord.Reply(s.ctx, conn.AgentID, sessionID, env.Message)
		return err
	case protocol.TypeCloseSession:
		_, err := s.coord.CloseSession(s.ctx, sessionID, domain.AgentActor(conn.AgentID))
		return err
	}
	return nil
}

func (s *Server) fail(conn *Connection, sessionID domain.SessionID, err error) {
	env := protocol.ErrorEnvelope(sessionID, err)
	switch conn.Role {
	case protocol.RoleUser:
		s.coord.NotifyUser(conn.SessionID, env)
	case protocol.RoleAgent:
		s.coord.NotifyAgent(conn.AgentID, env)
	}
}

// writeLoop 投递循环：按序写出尚未在本连接上写过的信封；空闲时发送心跳。
// 信封只由客户端回执确认，新连接从最后一次回执之后重放
func (s *Server) writeLoop(conn *Connection) {
	defer func() {
		conn.safeClose()
		s.connWg.Done()
	}()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	var written uint64
	for {
		for _, env := range conn.queue.Pending() {
			if env.Seq <= written {
				continue
			}
			written = env.Seq

			data, err := protocol.Encode(env)
			if err != nil {
				// 无法编码的信封永远无法投递，丢弃
				log.Printf("Encode envelope failed: %s seq=%d %v", conn.ID, env.Seq, err)
				conn.queue.Drop(env.Seq)
				continue
			}
			if err := s.sendMessage(conn, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					log.Printf("Write to %s failed: %v", conn.ID, err)
				}
				return
			}
			s.totalDelivered.Add(1)

			// 用户收到会话关闭事件后由服务端结束连接
			if conn.Role == protocol.RoleUser && env.Type == protocol.TypeSessionClosed {
				s.closeConnection(conn, "Session closed")
				return
			}
		}

		select {
		case <-conn.stopChan:
			return
		case <-s.ctx.Done():
			return
		case <-conn.queue.Ready():
		case <-ticker.C:
			if err := conn.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				log.Printf("Ping %s failed: %v", conn.ID, err)
				return
			}
		}
	}
}

// sendMessage 发送一帧给指定连接
func (s *Server) sendMessage(conn *Connection, data []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	err := conn.Conn.WriteMessage(websocket.TextMessage, data)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
		conn.Stats.BytesSent.Add(uint64(len(data)))
	}
	return err
}

// closeConnection 关闭连接，可重复调用
func (s *Server) closeConnection(conn *Connection, reason string) {
	s.closeWith(conn, websocket.CloseNormalClosure, reason)
}

func (s *Server) closeWith(conn *Connection, code int, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	s.connCount.Add(-1)

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.mu.Unlock()
	conn.Conn.Close()
	conn.safeClose()

	log.Printf("Connection closed: %s, reason: %s", conn.ID, reason)
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		s.ForceDisconnectAll()
		fmt.Fprintf(w, "Disconnected all connections")
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"total_delivered":     s.totalDelivered.Load(),
		"total_acked":         s.totalAcked.Load(),
		"replaced":            s.replaced.Load(),
		"coordinator":         s.coord.Stats(),
	}
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)
	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})
	return stats
}
