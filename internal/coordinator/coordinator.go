// Package coordinator 驱动会话的升级状态机。
//
// 协调器消费注册表同步发出的领域事件，把它们翻译为各接收方队列中的信封；
// 它自己持有告警集合与进行中的应答调用，但不持有任何会话状态。
//
// 锁顺序：会话锁 → alertsMu / mu / usersMu → 队列锁。持有 alertsMu、mu 或 usersMu 时不得调用注册表。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/logger"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/protocol"
	"HandoverDesk/internal/registry"
)

const (
	DefaultHandoverNotice    = "You've asked to talk to a human. An agent will join shortly."
	DefaultAgentJoinedNotice = "An agent has joined the chat."
	DefaultClosedNotice      = "This chat has ended."

	DefaultAgentExpiry = 30 * time.Minute
)

// 升级原因
const (
	ReasonUserRequested = "user_requested"
	ReasonBotFailed     = "bot_failed"
	ReasonBotFallback   = "bot_fallback"
	ReasonRestored      = "restored"
)

// 告警撤回原因
const (
	WithdrawTakenOver = "taken_over"
	WithdrawClosed    = "closed"
)

var errSuperseded = errors.New("answer superseded by a newer message")

// Config 协调器配置
type Config struct {
	HandoverNotice    string
	AgentJoinedNotice string // 可包含 {agent} 占位符
	ClosedNotice      string

	// 连续应答失败达到该次数时自动升级，0 表示关闭
	EscalateAfterFailures int

	// 坐席全部连接断开超过该时长后不再接收告警，再次连接时按首次连接处理
	AgentExpiry time.Duration
}

func (c *Config) withDefaults() {
	if c.HandoverNotice == "" {
		c.HandoverNotice = DefaultHandoverNotice
	}
	if c.AgentJoinedNotice == "" {
		c.AgentJoinedNotice = DefaultAgentJoinedNotice
	}
	if c.ClosedNotice == "" {
		c.ClosedNotice = DefaultClosedNotice
	}
	if c.AgentExpiry <= 0 {
		c.AgentExpiry = DefaultAgentExpiry
	}
}

// Result 一次用户提问的处理结果
type Result struct {
	Session domain.Session
	// 机器人回复或致歉，会话不在 BOT 模式时为空
	Message   *domain.Message
	Escalated bool
	// 被新消息取代或会话已离开 BOT 模式，结果被丢弃
	Discarded bool
}

type call struct {
	gen    uint64
	cancel context.CancelFunc
}

// presence 坐席的在线连接数，全部断开后记录离线时间
type presence struct {
	conns   int
	offline time.Time
}

// Coordinator 升级协调器
type Coordinator struct {
	reg    *registry.Registry
	gw     *gateway.Gateway
	hub    *outbox.Hub
	events *logger.EventStream
	cfg    Config
	now    func() time.Time

	escalateAfter atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	alertsMu sync.Mutex
	alerts   map[domain.SessionID]domain.Alert
	agents   map[domain.AgentID]*presence

	// 每个会话当前的用户连接数
	usersMu sync.Mutex
	users   map[domain.SessionID]int

	mu        sync.Mutex
	gen       uint64
	inflight  map[domain.SessionID]*call
	escalated map[domain.SessionID]bool
	failures  map[domain.SessionID]int

	// 统计信息
	gatewayCalls atomic.Uint64
	superseded   atomic.Uint64
	takeovers    atomic.Uint64
	lostRaces    atomic.Uint64
	autoEscalate atomic.Uint64
}

// New 创建协调器并注册为注册表的事件消费者。events 可以为 nil
func New(reg *registry.Registry, gw *gateway.Gateway, hub *outbox.Hub, cfg Config, events *logger.EventStream) *Coordinator {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		reg:       reg,
		gw:        gw,
		hub:       hub,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		alerts:    make(map[domain.SessionID]domain.Alert),
		agents:    make(map[domain.AgentID]*presence),
		users:     make(map[domain.SessionID]int),
		inflight:  make(map[domain.SessionID]*call),
		escalated: make(map[domain.SessionID]bool),
		failures:  make(map[domain.SessionID]int),
	}
	c.escalateAfter.Store(int32(cfg.EscalateAfterFailures))
	reg.SetEventSink(c)
	return c
}

// UpdatePolicy 热更新自动升级阈值
func (c *Coordinator) UpdatePolicy(escalateAfterFailures int) {
	c.escalateAfter.Store(int32(escalateAfterFailures))
}

// Close 取消所有进行中的应答调用并等待其退出
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Restore 从持久化存储恢复会话，并根据 WAITING_HUMAN 会话重建告警集合
func (c *Coordinator) Restore(ctx context.Context) error {
	open, err := c.reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	c.alertsMu.Lock()
	for _, s := range open {
		if s.Mode == domain.ModeWaitingHuman {
			c.alerts[s.ID] = domain.Alert{SessionID: s.ID, UserID: s.UserID, Reason: ReasonRestored, CreatedAt: s.UpdatedAt}
		}
	}
	n := len(c.alerts)
	c.alertsMu.Unlock()

	c.mu.Lock()
	for _, s := range open {
		if s.Mode != domain.ModeBot {
			c.escalated[s.ID] = true
		}
	}
	c.mu.Unlock()

	log.Printf("Coordinator restored %d open sessions, %d pending alerts", len(open), n)
	return nil
}

// ===== 用户侧操作 =====

// CreateSession 签发新的会话
func (c *Coordinator) CreateSession(ctx context.Context, userID domain.UserID) (domain.Session, error) {
	return c.reg.Create(ctx, domain.NewSessionID(), userID)
}

// ConnectUser 用户连接：会话不存在时创建，存在时恢复。返回该会话的投递队列，
// 连接结束时必须调用 ReleaseUser
func (c *Coordinator) ConnectUser(ctx context.Context, id domain.SessionID, userID domain.UserID) (domain.Session, *outbox.Queue, error) {
	// 先登记再读取模式，与关闭时的检查配对，保证不会错过 session_closed
	c.usersMu.Lock()
	c.users[id]++
	c.usersMu.Unlock()

	sess, err := c.OpenSession(ctx, id, userID)
	if err != nil {
		c.ReleaseUser(id)
		return sess, nil, err
	}
	return sess, c.hub.Queue(outbox.UserKey(id)), nil
}

// OpenSession 会话不存在时创建，已关闭时返回 ErrSessionClosed。不登记连接，供 REST 使用
func (c *Coordinator) OpenSession(ctx context.Context, id domain.SessionID, userID domain.UserID) (domain.Session, error) {
	sess, err := c.reg.Get(id)
	if errors.Is(err, domain.ErrNotFound) {
		sess, err = c.reg.Create(ctx, id, userID)
		if errors.Is(err, domain.ErrDuplicateSession) {
			// 并发的首次连接
			sess, err = c.reg.Get(id)
		}
	}
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Mode == domain.ModeClosed {
		return sess, fmt.Errorf("connect %s: %w", id, domain.ErrSessionClosed)
	}
	return sess, nil
}

// ReleaseUser 用户连接断开；最后一个连接断开且会话已关闭时回收其队列
func (c *Coordinator) ReleaseUser(id domain.SessionID) {
	c.usersMu.Lock()
	c.users[id]--
	attached := c.users[id] > 0
	if !attached {
		delete(c.users, id)
	}
	c.usersMu.Unlock()
	if attached {
		return
	}

	sess, err := c.reg.Get(id)
	if err != nil || sess.Mode == domain.ModeClosed {
		c.hub.Remove(outbox.UserKey(id))
	}
}

func (c *Coordinator) userAttached(id domain.SessionID) bool {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	return c.users[id] > 0
}

// HandleUserMessage 记录用户消息。BOT 模式下异步调用应答网关，其他模式只转发给坐席
func (c *Coordinator) HandleUserMessage(ctx context.Context, id domain.SessionID, text string) (domain.Session, error) {
	sess, err := c.appendUser(ctx, id, text)
	if err != nil || sess.Mode != domain.ModeBot {
		return sess, err
	}

	callCtx, gen, ok := c.beginCall(c.ctx, id)
	if !ok {
		return sess, nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.answer(callCtx, gen, sess, text)
	}()
	return sess, nil
}

// Ask 同步版本的 HandleUserMessage，供 REST 问答接口使用
func (c *Coordinator) Ask(ctx context.Context, id domain.SessionID, question string) (Result, error) {
	sess, err := c.appendUser(ctx, id, question)
	if err != nil {
		return Result{Session: sess}, err
	}
	if sess.Mode != domain.ModeBot {
		return Result{Session: sess}, nil
	}

	callCtx, gen, ok := c.beginCall(ctx, id)
	if !ok {
		return Result{Session: sess, Discarded: true}, nil
	}
	return c.answer(callCtx, gen, sess, question), nil
}

func (c *Coordinator) appendUser(ctx context.Context, id domain.SessionID, text string) (domain.Session, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Session{}, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	msg := domain.NewMessage(id, domain.SenderUser, text, c.now())
	res, err := c.reg.Append(ctx, id, msg)
	return res.Session, err
}

// RequestHuman 用户请求人工，重复请求是空操作
func (c *Coordinator) RequestHuman(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	sess, _, err := c.escalate(ctx, id, domain.UserActor(ReasonUserRequested))
	return sess, err
}

// CloseSession 硬关闭，对已关闭的会话是空操作
func (c *Coordinator) CloseSession(ctx context.Context, id domain.SessionID, actor domain.Actor) (domain.Session, error) {
	sess, _, err := c.reg.Transition(ctx, id, domain.ModeClosed, actor)
	return sess, err
}

// ===== 坐席侧操作 =====

// ConnectAgent 坐席连接，连接结束时必须调用 ReleaseAgent。
// 首次连接（或离线过期后）投递当前全部待处理告警，期间积压的告警类信封被替换；重连只续传队列
func (c *Coordinator) ConnectAgent(agentID domain.AgentID) *outbox.Queue {
	c.alertsMu.Lock()
	defer c.alertsMu.Unlock()

	c.expireAgentsLocked()
	q := c.hub.Queue(outbox.AgentKey(agentID))
	if p, known := c.agents[agentID]; known {
		p.conns++
		return q
	}
	c.agents[agentID] = &presence{conns: 1}
	q.DiscardTypes(protocol.TypeNewAlert, protocol.TypeAlertWithdrawn)
	for _, a := range c.sortedAlertsLocked() {
		q.Enqueue(alertEnvelope(a))
	}
	return q
}

// ReleaseAgent 坐席的一个连接断开
func (c *Coordinator) ReleaseAgent(agentID domain.AgentID) {
	c.alertsMu.Lock()
	defer c.alertsMu.Unlock()

	p, ok := c.agents[agentID]
	if !ok {
		return
	}
	if p.conns--; p.conns <= 0 {
		p.conns = 0
		p.offline = c.now()
	}
}

// expireAgentsLocked 移除离线超过 AgentExpiry 的坐席，调用者持有 alertsMu
func (c *Coordinator) expireAgentsLocked() {
	now := c.now()
	for id, p := range c.agents {
		if p.conns == 0 && now.Sub(p.offline) > c.cfg.AgentExpiry {
			delete(c.agents, id)
			log.Printf("Agent %s offline since %s, no longer receiving alerts", id, p.offline.Format(time.RFC3339))
		}
	}
}

// broadcastLocked 向所有未过期的坐席投递，调用者持有 alertsMu
func (c *Coordinator) broadcastLocked(env *protocol.Envelope, except domain.AgentID) {
	c.expireAgentsLocked()
	for agent := range c.agents {
		if agent != except {
			c.hub.Queue(outbox.AgentKey(agent)).Enqueue(env)
		}
	}
}

// Takeover 坐席接管。并发接管时只有一个成功，其余得到 ErrAlreadyClaimed
func (c *Coordinator) Takeover(ctx context.Context, agentID domain.AgentID, id domain.SessionID) (domain.Session, error) {
	if agentID == "" {
		return domain.Session{}, fmt.Errorf("%w: agent id required", domain.ErrInvalidInput)
	}
	notice := domain.NewMessage(id, domain.SenderSystem, strings.ReplaceAll(c.cfg.AgentJoinedNotice, "{agent}", string(agentID)), c.now())
	notice.Notice = domain.NoticeAgentJoined
	notice.AgentID = agentID

	sess, _, err := c.reg.TransitionWithNotice(ctx, id, domain.ModeHuman, domain.AgentActor(agentID), notice)
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		c.lostRaces.Add(1)
		c.events.LogInfo("coordinator", string(id), fmt.Sprintf("takeover by %s lost to %s", agentID, sess.OwningAgent))
	}
	return sess, err
}

// Reply 坐席回复，只有会话的所有者可以回复
func (c *Coordinator) Reply(ctx context.Context, agentID domain.AgentID, id domain.SessionID, text string) (*domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty reply", domain.ErrInvalidInput)
	}
	msg := domain.NewMessage(id, domain.SenderAgent, text, c.now())
	msg.AgentID = agentID

	_, err := c.reg.AppendIf(ctx, id, msg, func(s domain.Session) error {
		if s.Mode != domain.ModeHuman || s.OwningAgent != agentID {
			return fmt.Errorf("reply %s by %s: %w", id, agentID, domain.ErrNotOwner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NotifyAgent 向坐席队列追加一条信封（命令错误等）
func (c *Coordinator) NotifyAgent(agentID domain.AgentID, env *protocol.Envelope) {
	c.hub.Queue(outbox.AgentKey(agentID)).Enqueue(env)
}

// NotifyUser 向用户队列追加一条信封
func (c *Coordinator) NotifyUser(id domain.SessionID, env *protocol.Envelope) {
	c.hub.Queue(outbox.UserKey(id)).Enqueue(env)
}

// ===== 查询 =====

// Alerts 当前待处理告警，按创建时间排序
func (c *Coordinator) Alerts() []domain.Alert {
	c.alertsMu.Lock()
	defer c.alertsMu.Unlock()
	return c.sortedAlertsLocked()
}

func (c *Coordinator) sortedAlertsLocked() []domain.Alert {
	out := make([]domain.Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Session 会话快照
func (c *Coordinator) Session(id domain.SessionID) (domain.Session, error) {
	return c.reg.Get(id)
}

// Sessions 所有未关闭会话
func (c *Coordinator) Sessions() []domain.Session {
	return c.reg.List()
}

// History 会话消息历史
func (c *Coordinator) History(id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error) {
	return c.reg.Messages(id, afterSeq, limit)
}

// Stats 协调器统计
func (c *Coordinator) Stats() map[string]interface{} {
	c.alertsMu.Lock()
	alerts, agents := len(c.alerts), len(c.agents)
	c.alertsMu.Unlock()

	c.mu.Lock()
	inflight := len(c.inflight)
	c.mu.Unlock()

	stats := map[string]interface{}{
		"open_sessions":    len(c.reg.List()),
		"pending_alerts":   alerts,
		"known_agents":     agents,
		"inflight_answers": inflight,
		"gateway_calls":    c.gatewayCalls.Load(),
		"superseded":       c.superseded.Load(),
		"takeovers":        c.takeovers.Load(),
		"lost_races":       c.lostRaces.Load(),
		"auto_escalations": c.autoEscalate.Load(),
	}
	if c.gw != nil {
		stats["gateway"] = c.gw.Stats()
	}
	stats["outbox"] = c.hub.Stats()
	return stats
}
