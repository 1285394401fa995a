package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/protocol"
	"HandoverDesk/internal/registry"
	"HandoverDesk/internal/store/memory"
)

type harness struct {
	c     *Coordinator
	hub   *outbox.Hub
	reg   *registry.Registry
	store *memory.Store
}

func newHarness(t *testing.T, responder gateway.Responder, policy gateway.Policy, cfg Config) *harness {
	t.Helper()
	if responder == nil {
		responder = gateway.NewStaticResponder(nil, "")
	}
	st := memory.New()
	reg := registry.New(st, registry.Config{WelcomeMessage: "Hi! How can I help?"})
	hub := outbox.NewHub(0)
	c := New(reg, gateway.New(responder, policy), hub, cfg, nil)
	t.Cleanup(c.Close)
	return &harness{c: c, hub: hub, reg: reg, store: st}
}

func ofType(q *outbox.Queue, typ string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range q.Pending() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (h *harness) mode(t *testing.T, id domain.SessionID) domain.Mode {
	t.Helper()
	sess, err := h.c.Session(id)
	require.NoError(t, err)
	return sess.Mode
}

func (h *harness) waiting(t *testing.T, id domain.SessionID) {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.c.ConnectUser(ctx, id, domain.UserID("user-"+id))
	require.NoError(t, err)
	_, err = h.c.RequestHuman(ctx, id)
	require.NoError(t, err)
}

type countingResponder struct {
	calls atomic.Int32
	inner gateway.Responder
}

func (r *countingResponder) Ask(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
	r.calls.Add(1)
	return r.inner.Ask(ctx, req)
}

// TestHandoverScenario 完整的交接场景
func TestHandoverScenario(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()

	a1 := h.c.ConnectAgent("A1")
	a2 := h.c.ConnectAgent("A2")

	sess, userQ, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeBot, sess.Mode)
	require.Len(t, ofType(userQ, protocol.TypeBotMessage), 1, "welcome message")

	// 机器人正常回答，模式保持 BOT
	_, err = h.c.HandleUserMessage(ctx, "S1", "How do I reset my password?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ofType(userQ, protocol.TypeBotMessage)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ofType(userQ, protocol.TypeBotMessage)[1].Message, "Reset password")
	assert.Equal(t, domain.ModeBot, h.mode(t, "S1"))

	// 应答服务放弃，升级为等待人工
	_, err = h.c.HandleUserMessage(ctx, "S1", "I need a human")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.mode(t, "S1") == domain.ModeWaitingHuman }, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, ofType(userQ, protocol.TypeBotMessage), 2, "fallback text is never shown")
	require.Len(t, ofType(userQ, protocol.TypeHumanAlert), 1)
	alerts := h.c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SessionID("S1"), alerts[0].SessionID)
	assert.Equal(t, ReasonBotFallback, alerts[0].Reason)
	for _, q := range []*outbox.Queue{a1, a2} {
		got := ofType(q, protocol.TypeNewAlert)
		require.Len(t, got, 1)
		assert.Equal(t, "S1", got[0].SessionID)
		assert.Equal(t, domain.UserID("u1"), got[0].UserID)
	}

	// A1 接管
	sess, err = h.c.Takeover(ctx, "A1", "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeHuman, sess.Mode)
	assert.Equal(t, domain.AgentID("A1"), sess.OwningAgent)
	assert.Empty(t, h.c.Alerts())

	taken := ofType(a1, protocol.TypeTakenOver)
	require.Len(t, taken, 1)
	assert.NotEmpty(t, taken[0].History)
	withdrawn := ofType(a2, protocol.TypeAlertWithdrawn)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, WithdrawTakenOver, withdrawn[0].Reason)
	assert.Equal(t, "A1", withdrawn[0].AgentID)
	assert.Empty(t, ofType(a1, protocol.TypeAlertWithdrawn))

	require.Len(t, ofType(userQ, protocol.TypeAgentJoined), 1)

	// A2 迟到的接管
	_, err = h.c.Takeover(ctx, "A2", "S1")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Len(t, ofType(userQ, protocol.TypeAgentJoined), 1, "agent joined appears exactly once")

	history, err := h.c.History("S1", 0, 0)
	require.NoError(t, err)
	joined := 0
	for _, m := range history {
		if m.Notice == domain.NoticeAgentJoined {
			joined++
		}
	}
	assert.Equal(t, 1, joined)
}

// TestRequestHumanDedup 重复请求人工只追加一次系统消息
func TestRequestHumanDedup(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()
	_, userQ, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sess, err := h.c.RequestHuman(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, domain.ModeWaitingHuman, sess.Mode)
	}

	history, err := h.c.History("S1", 0, 0)
	require.NoError(t, err)
	notices := 0
	for _, m := range history {
		if m.Sender == domain.SenderSystem {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
	assert.Len(t, ofType(userQ, protocol.TypeHumanAlert), 1)
	assert.Len(t, h.c.Alerts(), 1)

	// 接管后再请求人工同样被吸收
	_, err = h.c.Takeover(ctx, "A1", "S1")
	require.NoError(t, err)
	sess, err := h.c.RequestHuman(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeHuman, sess.Mode)
	assert.Empty(t, h.c.Alerts())
}

// TestOrderAcrossAgentReconnect 用户消息 A、B、C 在坐席重连后仍按顺序送达
func TestOrderAcrossAgentReconnect(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()
	h.waiting(t, "S1")

	q := h.c.ConnectAgent("A1")
	_, err := h.c.Takeover(ctx, "A1", "S1")
	require.NoError(t, err)

	var delivered []string
	deliver := func(q *outbox.Queue, n int) {
		for i, env := range q.Pending() {
			if i >= n {
				return
			}
			if env.Type == protocol.TypeUserMessage {
				delivered = append(delivered, env.Message)
			}
			q.Ack(env.Seq)
		}
	}

	for _, text := range []string{"A", "B"} {
		_, err := h.c.HandleUserMessage(ctx, "S1", text)
		require.NoError(t, err)
	}

	// 只送达到 A 为止，然后断线
	for _, env := range q.Pending() {
		if env.Type == protocol.TypeUserMessage && env.Message == "B" {
			break
		}
		if env.Type == protocol.TypeUserMessage {
			delivered = append(delivered, env.Message)
		}
		q.Ack(env.Seq)
	}

	_, err = h.c.HandleUserMessage(ctx, "S1", "C")
	require.NoError(t, err)

	// 重连拿到的是同一个队列，且不会重复投递告警
	q2 := h.c.ConnectAgent("A1")
	assert.Same(t, q, q2)
	assert.Empty(t, ofType(q2, protocol.TypeNewAlert))
	deliver(q2, 100)

	assert.Equal(t, []string{"A", "B", "C"}, delivered)
}

// TestNoGatewayAfterEscalation 升级后不再调用应答网关
func TestNoGatewayAfterEscalation(t *testing.T) {
	r := &countingResponder{inner: gateway.NewStaticResponder(nil, "")}
	h := newHarness(t, r, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()

	_, _, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	_, err = h.c.HandleUserMessage(ctx, "S1", "pricing?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.c.RequestHuman(ctx, "S1")
	require.NoError(t, err)

	for _, text := range []string{"hello?", "pricing", "anyone"} {
		_, err := h.c.HandleUserMessage(ctx, "S1", text)
		require.NoError(t, err)
	}
	_, err = h.c.Takeover(ctx, "A1", "S1")
	require.NoError(t, err)
	res, err := h.c.Ask(ctx, "S1", "still a bot?")
	require.NoError(t, err)
	assert.Nil(t, res.Message)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
}

// TestSupersededAnswerDiscarded 新消息取代尚未完成的应答
func TestSupersededAnswerDiscarded(t *testing.T) {
	responder := gateway.ResponderFunc(func(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
		if req.Question == "first" {
			<-ctx.Done()
			return gateway.Reply{Answer: "answer to first"}, nil
		}
		return gateway.Reply{Answer: "answer to " + req.Question}, nil
	})
	h := newHarness(t, responder, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()

	_, userQ, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	_, err = h.c.HandleUserMessage(ctx, "S1", "first")
	require.NoError(t, err)
	_, err = h.c.HandleUserMessage(ctx, "S1", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ofType(userQ, protocol.TypeBotMessage)) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	bots := ofType(userQ, protocol.TypeBotMessage)
	require.Len(t, bots, 2)
	assert.Equal(t, "answer to second", bots[1].Message)
}

// TestGatewayTimeoutApology 超时渲染为可重试的致歉，不改变模式
func TestGatewayTimeoutApology(t *testing.T) {
	slow := gateway.ResponderFunc(func(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
		<-ctx.Done()
		return gateway.Reply{}, ctx.Err()
	})
	p := gateway.DefaultPolicy()
	p.Timeout = 30 * time.Millisecond
	h := newHarness(t, slow, p, Config{})
	ctx := context.Background()

	_, _, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	res, err := h.c.Ask(ctx, "S1", "hello")
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.True(t, res.Message.Retryable)
	assert.Equal(t, gateway.DefaultApologyText, res.Message.Content)
	assert.False(t, res.Escalated)
	assert.Equal(t, domain.ModeBot, h.mode(t, "S1"))
}

// TestAutoEscalateAfterFailures 连续失败达到阈值后自动升级
func TestAutoEscalateAfterFailures(t *testing.T) {
	failing := gateway.ResponderFunc(func(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
		return gateway.Reply{}, errors.New("model unavailable")
	})
	h := newHarness(t, failing, gateway.DefaultPolicy(), Config{EscalateAfterFailures: 2})
	ctx := context.Background()
	a1 := h.c.ConnectAgent("A1")
	_, _, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)

	res, err := h.c.Ask(ctx, "S1", "one")
	require.NoError(t, err)
	assert.False(t, res.Escalated)
	assert.Equal(t, domain.ModeBot, h.mode(t, "S1"))

	res, err = h.c.Ask(ctx, "S1", "two")
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, domain.ModeWaitingHuman, h.mode(t, "S1"))

	got := ofType(a1, protocol.TypeNewAlert)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonBotFailed, got[0].Reason)

	// 阈值热更新为 0 时关闭
	h.c.UpdatePolicy(0)
	_, _, err = h.c.ConnectUser(ctx, "S2", "u2")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err = h.c.Ask(ctx, "S2", "again")
		require.NoError(t, err)
		assert.False(t, res.Escalated)
	}
}

// TestReplyOwnership 只有所有者可以回复
func TestReplyOwnership(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()
	h.waiting(t, "S1")
	userQ, _ := h.hub.Lookup(outbox.UserKey("S1"))

	_, err := h.c.Reply(ctx, "A1", "S1", "hi")
	assert.ErrorIs(t, err, domain.ErrNotOwner, "no owner while waiting")

	a1 := h.c.ConnectAgent("A1")
	_, err = h.c.Takeover(ctx, "A1", "S1")
	require.NoError(t, err)

	_, err = h.c.Reply(ctx, "A2", "S1", "hi")
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = h.c.CloseSession(ctx, "S1", domain.AgentActor("A2"))
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	msg, err := h.c.Reply(ctx, "A1", "S1", "Hello, I'm here to help")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("A1"), msg.AgentID)

	agentMsgs := ofType(userQ, protocol.TypeAgentMessage)
	require.Len(t, agentMsgs, 1)
	assert.Equal(t, "A1", agentMsgs[0].AgentID)
	assert.Len(t, ofType(a1, protocol.TypeAgentMessage), 1, "echo to owner devices")

	_, err = h.c.HandleUserMessage(ctx, "S1", "thanks")
	require.NoError(t, err)
	um := ofType(a1, protocol.TypeUserMessage)
	require.Len(t, um, 1)
	assert.Equal(t, "thanks", um[0].Message)
}

// TestIdempotentClose 重复关闭是空操作
func TestIdempotentClose(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()
	h.waiting(t, "S1")
	a1 := h.c.ConnectAgent("A1")
	require.Len(t, ofType(a1, protocol.TypeNewAlert), 1)

	for i := 0; i < 2; i++ {
		sess, err := h.c.CloseSession(ctx, "S1", domain.UserActor("hard_close"))
		require.NoError(t, err)
		assert.Equal(t, domain.ModeClosed, sess.Mode)
	}

	userQ, ok := h.hub.Lookup(outbox.UserKey("S1"))
	require.True(t, ok)
	pending := userQ.Pending()
	require.Len(t, pending, 1, "queued messages for the session are discarded")
	assert.Equal(t, protocol.TypeSessionClosed, pending[0].Type)

	assert.Empty(t, h.c.Alerts())
	assert.Empty(t, ofType(a1, protocol.TypeNewAlert))
	withdrawn := ofType(a1, protocol.TypeAlertWithdrawn)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, WithdrawClosed, withdrawn[0].Reason)

	persisted, err := h.store.LoadMessages(ctx, "S1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	_, _, err = h.c.ConnectUser(ctx, "S1", "u1")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	_, err = h.c.HandleUserMessage(ctx, "S1", "hello?")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	h.c.ReleaseUser("S1")
	_, ok = h.hub.Lookup(outbox.UserKey("S1"))
	assert.False(t, ok)
}

// TestCloseCancelsInflight 关闭会话取消进行中的应答
func TestCloseCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	responder := gateway.ResponderFunc(func(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return gateway.Reply{}, ctx.Err()
	})
	h := newHarness(t, responder, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()

	_, _, err := h.c.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	_, err = h.c.HandleUserMessage(ctx, "S1", "long question")
	require.NoError(t, err)
	<-started

	_, err = h.c.CloseSession(ctx, "S1", domain.UserActor(""))
	require.NoError(t, err)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

// TestLateJoiningAgent 迟到的坐席看到全部待处理告警
func TestLateJoiningAgent(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	h.waiting(t, "S1")
	h.waiting(t, "S2")

	q := h.c.ConnectAgent("A9")
	alerts := ofType(q, protocol.TypeNewAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, "S1", alerts[0].SessionID)
	assert.Equal(t, "S2", alerts[1].SessionID)

	for _, env := range q.Pending() {
		q.Ack(env.Seq)
	}
	h.c.ConnectAgent("A9")
	assert.Zero(t, q.Len(), "reconnect does not replay the snapshot")
}

// TestAgentExpiry 长时间离线的坐席不再接收告警，回来后重新拿到快照
func TestAgentExpiry(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{AgentExpiry: time.Minute})
	ctx := context.Background()
	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())
	h.c.now = func() time.Time { return time.Unix(0, clock.Load()) }

	q := h.c.ConnectAgent("A1")
	h.waiting(t, "S1")
	require.Len(t, ofType(q, protocol.TypeNewAlert), 1)
	h.c.ReleaseAgent("A1")

	// 短暂离线期间继续积压
	clock.Add(int64(30 * time.Second))
	h.waiting(t, "S2")
	assert.Len(t, ofType(q, protocol.TypeNewAlert), 2)
	assert.Equal(t, 1, h.c.Stats()["known_agents"])

	clock.Add(int64(2 * time.Minute))
	h.waiting(t, "S3")
	_, err := h.c.CloseSession(ctx, "S1", domain.UserActor(""))
	require.NoError(t, err)
	assert.Len(t, ofType(q, protocol.TypeNewAlert), 2)
	assert.Empty(t, ofType(q, protocol.TypeAlertWithdrawn))
	assert.Equal(t, 0, h.c.Stats()["known_agents"])

	// 回来后积压的旧告警被当前快照替换
	q2 := h.c.ConnectAgent("A1")
	assert.Same(t, q, q2)
	alerts := ofType(q2, protocol.TypeNewAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, "S2", alerts[0].SessionID)
	assert.Equal(t, "S3", alerts[1].SessionID)
	assert.Equal(t, 1, h.c.Stats()["known_agents"])
}

// TestRESTSessionQueueReclaimed 没有用户连接的会话关闭后回收用户队列
func TestRESTSessionQueueReclaimed(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()

	sess, err := h.c.CreateSession(ctx, "u1")
	require.NoError(t, err)
	_, err = h.c.OpenSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	_, err = h.c.Ask(ctx, sess.ID, "What is your pricing?")
	require.NoError(t, err)
	_, err = h.c.RequestHuman(ctx, sess.ID)
	require.NoError(t, err)
	_, ok := h.hub.Lookup(outbox.UserKey(sess.ID))
	require.True(t, ok, "events are kept for a later socket")

	_, err = h.c.CloseSession(ctx, sess.ID, domain.UserActor(""))
	require.NoError(t, err)
	_, ok = h.hub.Lookup(outbox.UserKey(sess.ID))
	assert.False(t, ok)
	assert.NotContains(t, h.c.Stats()["outbox"], outbox.UserKey(sess.ID))

	_, err = h.c.OpenSession(ctx, sess.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

// TestConcurrentTakeover 两个坐席并发接管
func TestConcurrentTakeover(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	h.waiting(t, "S1")
	qs := map[domain.AgentID]*outbox.Queue{"A1": h.c.ConnectAgent("A1"), "A2": h.c.ConnectAgent("A2")}

	var wg sync.WaitGroup
	errs := make(map[domain.AgentID]error)
	var mu sync.Mutex
	for agent := range qs {
		wg.Add(1)
		go func(agent domain.AgentID) {
			defer wg.Done()
			_, err := h.c.Takeover(context.Background(), agent, "S1")
			mu.Lock()
			errs[agent] = err
			mu.Unlock()
		}(agent)
	}
	wg.Wait()

	var winner, loser domain.AgentID
	for agent, err := range errs {
		if err == nil {
			winner = agent
		} else {
			assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
			loser = agent
		}
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	assert.Len(t, ofType(qs[winner], protocol.TypeTakenOver), 1)
	assert.Len(t, ofType(qs[loser], protocol.TypeAlertWithdrawn), 1)
	assert.Empty(t, h.c.Alerts())
	assert.Equal(t, uint64(1), h.c.Stats()["lost_races"])
}

// TestRestoreRebuildsAlerts 重启后根据持久化状态重建告警
func TestRestoreRebuildsAlerts(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	ctx := context.Background()
	h.waiting(t, "S1")
	h.waiting(t, "S2")
	_, err := h.c.Takeover(ctx, "A1", "S2")
	require.NoError(t, err)

	reg := registry.New(h.store, registry.Config{})
	r := &countingResponder{inner: gateway.NewStaticResponder(nil, "")}
	c2 := New(reg, gateway.New(r, gateway.DefaultPolicy()), outbox.NewHub(0), Config{}, nil)
	defer c2.Close()
	require.NoError(t, c2.Restore(ctx))

	alerts := c2.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SessionID("S1"), alerts[0].SessionID)
	assert.Equal(t, ReasonRestored, alerts[0].Reason)

	q := c2.ConnectAgent("A2")
	assert.Len(t, ofType(q, protocol.TypeNewAlert), 1)

	_, err = c2.HandleUserMessage(ctx, "S1", "pricing")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.calls.Load())
}

// TestCreateSessionIssuesUUID 服务端签发会话ID
func TestCreateSessionIssuesUUID(t *testing.T) {
	h := newHarness(t, nil, gateway.DefaultPolicy(), Config{})
	s1, err := h.c.CreateSession(context.Background(), "u1")
	require.NoError(t, err)
	s2, err := h.c.CreateSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Len(t, string(s1.ID), 36)
	assert.Len(t, h.c.Sessions(), 2)
}
