package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"HandoverDesk/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrClosed        = errors.New("client closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// EventHandler 推送事件处理器，已按投递序号去重
type EventHandler func(env *protocol.Envelope)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// RTTHandler RTT变化处理器
type RTTHandler func(rtt time.Duration)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	Role              protocol.Role
	Token             string // 坐席令牌，以 Bearer 头发送
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
	SendQueueSize     int // 断线期间缓存的命令数量上限
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string, role protocol.Role) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		Role:              role,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		PingTimeout:       45 * time.Second,
		ReconnectInterval: 500 * time.Millisecond,
		MaxReconnectTries: 10,
		EnableCompression: false,
		UserAgent:         "HandoverDesk-client/1.0",
		SendQueueSize:     256,
	}
}

// UserURL 拼接用户通道地址，base 形如 ws://host:port
func UserURL(base, sessionID, userID string) string {
	u := strings.TrimRight(base, "/") + "/ws/user/" + url.PathEscape(sessionID)
	if userID != "" {
		u += "?user_id=" + url.QueryEscape(userID)
	}
	return u
}

// AgentURL 拼接坐席通道地址
func AgentURL(base, agentID string) string {
	return strings.TrimRight(base, "/") + "/ws/agent/" + url.PathEscape(agentID)
}

// Client WebSocket客户端，支持自动重连、心跳、断线缓存与消息去重
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onEvent       EventHandler
	onStateChange StateChangeHandler
	onRTT         RTTHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	stopOnce      sync.Once
	reconnectChan chan struct{}

	// 断线期间待发送的命令
	pendingMu sync.Mutex
	pending   []*protocol.Envelope

	// 序列号管理（用于消息去重）
	lastSeq    atomic.Uint64
	duplicates atomic.Uint64

	// 会话已关闭，不再重连
	sessionClosed atomic.Bool

	// 心跳和RTT统计
	lastPingTime atomic.Int64 // unix nano
	lastPongTime atomic.Int64
	avgRTT       atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32 // 重连次数统计
}

// New 创建新的WebSocket客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}

	client.setState(StateDisconnected)
	return client
}

// SetEventHandler 设置推送事件处理器
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetRTTHandler 设置RTT变化处理器
func (c *Client) SetRTTHandler(handler RTTHandler) {
	c.onRTT = handler
}

// Connect 连接到服务器
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	conn, err := c.doConnect(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	// 启动后台任务
	go c.heartbeatLoop()
	go c.readLoop(conn)
	go c.reconnectLoop()

	c.flushPending()
	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}
	if c.config.Token != "" {
		headers.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	now := time.Now().UnixNano()
	c.lastPongTime.Store(now)
	conn.SetPongHandler(func(string) error {
		c.handlePong()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) &&
		!c.compareAndSwapState(StateConnecting, StateClosed) {
		return nil // 已经关闭
	}

	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// ===== 命令 =====

// SendMessage 用户发送聊天消息
func (c *Client) SendMessage(text string) error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeMessage, Message: text})
}

// RequestHuman 用户请求人工
func (c *Client) RequestHuman() error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeRequestHuman})
}

// CloseSession 关闭会话。坐席需要指定会话，用户传空字符串
func (c *Client) CloseSession(sessionID string) error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeCloseSession, SessID: sessionID})
}

// Takeover 坐席接管会话
func (c *Client) Takeover(sessionID string) error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeTakeover, SessID: sessionID})
}

// Reply 坐席回复
func (c *Client) Reply(sessionID, text string) error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeReply, SessID: sessionID, Message: text})
}

// Send 发送命令。未连接或写入失败时缓存，重连后按原顺序补发
func (c *Client) Send(env *protocol.Envelope) error {
	if !protocol.IsInbound(c.config.Role, env.Type) {
		return fmt.Errorf("%s cannot send %q", c.config.Role, env.Type)
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	state := c.getState()
	if state == StateClosed {
		return ErrClosed
	}

	// 已有缓存时必须排在其后
	if state == StateConnected && len(c.pending) == 0 {
		if err := c.write(env); err == nil {
			return nil
		}
		c.triggerReconnect()
	}
	if len(c.pending) >= c.config.SendQueueSize {
		return ErrSendQueueFull
	}
	c.pending = append(c.pending, env)
	return nil
}

// flushPending 补发断线期间缓存的命令
func (c *Client) flushPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	sent := 0
	for _, env := range c.pending {
		if err := c.write(env); err != nil {
			log.Printf("Flush pending command failed: %v", err)
			c.triggerReconnect()
			break
		}
		sent++
	}
	c.pending = c.pending[sent:]
}

// PendingCount 缓存中的命令数量
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// write 写出一条命令
func (c *Client) write(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeatLoop 心跳循环
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() == StateConnected {
				c.sendHeartbeat()
				c.checkPing()
			}
		}
	}
}

// sendHeartbeat 发送心跳
func (c *Client) sendHeartbeat() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	c.lastPingTime.Store(time.Now().UnixNano())
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	if err != nil {
		log.Printf("Send heartbeat failed: %v", err)
		c.triggerReconnect()
	}
}

// checkPing 检查pong超时
func (c *Client) checkPing() {
	lastPong := time.Unix(0, c.lastPongTime.Load())
	if time.Since(lastPong) > c.config.PingTimeout {
		log.Printf("Ping timeout, triggering reconnect")
		c.triggerReconnect()
	}
}

// handlePong 处理心跳响应
func (c *Client) handlePong() {
	now := time.Now()
	c.lastPongTime.Store(now.UnixNano())

	pingTime := time.Unix(0, c.lastPingTime.Load())
	if c.lastPingTime.Load() == 0 {
		return // 没有发送过心跳
	}
	rtt := now.Sub(pingTime)
	if rtt <= 0 {
		return
	}

	// 更新平均RTT（简单移动平均）
	oldAvg := time.Duration(c.avgRTT.Load())
	newAvg := (oldAvg + rtt) / 2
	c.avgRTT.Store(int64(newAvg))

	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// readLoop 单个连接的读取循环，连接失效后触发重连并退出
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		messageType, rawData, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseReplaced) {
				log.Printf("Connection replaced by another device, closing")
				c.Close()
				return
			}
			if c.getState() != StateClosed {
				log.Printf("Read message failed: %v", err)
				c.triggerReconnect()
			}
			return
		}
		c.lastPongTime.Store(time.Now().UnixNano())

		if messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(rawData)
		if err != nil {
			log.Printf("Decode envelope failed: %v", err)
			continue
		}
		c.handleEvent(env)
		if env.Seq != 0 {
			c.ack(conn)
		}
	}
}

// ack 回执已处理的最大投递序号。重复投递同样回执，服务端据此停止重发
func (c *Client) ack(conn *websocket.Conn) {
	data, err := protocol.Encode(protocol.Ack(c.lastSeq.Load()))
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("Send ack failed: %v", err)
	}
}

// handleEvent 处理推送事件（带去重）
func (c *Client) handleEvent(env *protocol.Envelope) {
	// 序列号去重：要求单调递增
	if env.Seq != 0 {
		lastSeq := c.lastSeq.Load()
		if env.Seq <= lastSeq {
			c.duplicates.Add(1)
			return
		}
		c.lastSeq.Store(env.Seq)
	}

	if c.config.Role == protocol.RoleUser &&
		(env.Type == protocol.TypeSessionClosed || env.Code == "session_closed") {
		c.sessionClosed.Store(true)
	}

	if c.onEvent != nil {
		c.onEvent(env)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.getState() == StateConnected {
		c.setState(StateReconnecting)
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 执行重连
func (c *Client) doReconnect() {
	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.sessionClosed.Load() {
		log.Printf("Session closed, not reconnecting")
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}

	count := c.reconnectCount.Add(1)
	log.Printf("Reconnecting... (attempt %d)", count)

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, err = c.doConnect(ctx)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backOff, uint64(c.config.MaxReconnectTries)), ctx)
	err := backoff.Retry(op, policy)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}
	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		// 重连期间被关闭
		conn.Close()
		return
	}

	log.Printf("Reconnected successfully")
	c.reconnectCount.Store(0)
	c.incrReconnect()

	go c.readLoop(conn)
	c.flushPending()
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连次数（线程安全）
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// incrReconnect 增加重连次数（线程安全）
func (c *Client) incrReconnect() {
	c.reconnects.Add(1)
}

// LastSeq 最后处理的投递序号
func (c *Client) LastSeq() uint64 {
	return c.lastSeq.Load()
}

// ResetSeq 服务端投递队列重建后（例如服务重启）清除去重水位
func (c *Client) ResetSeq() {
	c.lastSeq.Store(0)
}

// SessionClosed 会话是否已被关闭
func (c *Client) SessionClosed() bool {
	return c.sessionClosed.Load()
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"last_seq":        c.lastSeq.Load(),
		"duplicates":      c.duplicates.Load(),
		"pending":         c.PendingCount(),
		"reconnect_count": c.reconnectCount.Load(),
		"reconnects":      c.reconnects.Load(),
		"avg_rtt_ms":      time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
