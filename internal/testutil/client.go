package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/protocol"
	"HandoverDesk/internal/wsclient"
)

// TestClient 测试客户端包装器，记录收到的全部事件与状态变化
type TestClient struct {
	*wsclient.Client
	t *testing.T

	mu           sync.RWMutex
	events       []ReceivedEvent
	stateChanges []StateChange
}

// ReceivedEvent 接收到的事件
type ReceivedEvent struct {
	Envelope  *protocol.Envelope
	Timestamp time.Time
}

// StateChange 状态变化
type StateChange struct {
	OldState  wsclient.ClientState
	NewState  wsclient.ClientState
	Timestamp time.Time
}

// NewUserClient 创建用户通道客户端（未连接）
func (ts *TestServer) NewUserClient(sessionID, userID string) *TestClient {
	return ts.NewUserClientVia(ts.WebSocketURL(), sessionID, userID)
}

// NewUserClientVia 经由指定地址（例如 LossyProxy）连接的用户客户端
func (ts *TestServer) NewUserClientVia(base, sessionID, userID string) *TestClient {
	cfg := wsclient.DefaultClientConfig(wsclient.UserURL(base, sessionID, userID), protocol.RoleUser)
	cfg.ReconnectInterval = 20 * time.Millisecond
	return newTestClient(ts.t, cfg)
}

// NewAgentClient 创建坐席通道客户端（未连接），令牌取自 AgentTokens
func (ts *TestServer) NewAgentClient(agentID string) *TestClient {
	cfg := wsclient.DefaultClientConfig(wsclient.AgentURL(ts.WebSocketURL(), agentID), protocol.RoleAgent)
	cfg.Token = AgentTokens[agentID]
	cfg.ReconnectInterval = 20 * time.Millisecond
	return newTestClient(ts.t, cfg)
}

// ConnectUser 创建并连接用户客户端
func (ts *TestServer) ConnectUser(sessionID, userID string) *TestClient {
	tc := ts.NewUserClient(sessionID, userID)
	require.NoError(ts.t, tc.ConnectAndWait(), "user %s failed to connect", sessionID)
	return tc
}

// ConnectAgent 创建并连接坐席客户端
func (ts *TestServer) ConnectAgent(agentID string) *TestClient {
	tc := ts.NewAgentClient(agentID)
	require.NoError(ts.t, tc.ConnectAndWait(), "agent %s failed to connect", agentID)
	return tc
}

func newTestClient(t *testing.T, cfg *wsclient.ClientConfig) *TestClient {
	tc := &TestClient{
		Client: wsclient.New(cfg),
		t:      t,
	}
	tc.setupHandlers()
	t.Cleanup(func() { tc.Close() })
	return tc
}

// setupHandlers 设置各种处理器
func (tc *TestClient) setupHandlers() {
	tc.Client.SetEventHandler(func(env *protocol.Envelope) {
		tc.mu.Lock()
		tc.events = append(tc.events, ReceivedEvent{Envelope: env, Timestamp: time.Now()})
		tc.mu.Unlock()
	})

	tc.Client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		tc.mu.Lock()
		tc.stateChanges = append(tc.stateChanges, StateChange{
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
		})
		tc.mu.Unlock()
	})
}

// ConnectAndWait 带默认超时连接
func (tc *TestClient) ConnectAndWait() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return tc.Client.Connect(ctx)
}

// Events 收到的全部事件副本
func (tc *TestClient) Events() []*protocol.Envelope {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]*protocol.Envelope, len(tc.events))
	for i, e := range tc.events {
		out[i] = e.Envelope
	}
	return out
}

// EventsOfType 指定类型的事件
func (tc *TestClient) EventsOfType(typ string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, e := range tc.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Count 指定类型的事件数量
func (tc *TestClient) Count(typ string) int {
	return len(tc.EventsOfType(typ))
}

// WaitFor 等待第一个指定类型的事件
func (tc *TestClient) WaitFor(typ string) *protocol.Envelope {
	tc.t.Helper()
	return tc.WaitForN(typ, 1)[0]
}

// WaitForN 等待至少 n 个指定类型的事件
func (tc *TestClient) WaitForN(typ string, n int) []*protocol.Envelope {
	tc.t.Helper()
	var got []*protocol.Envelope
	require.Eventually(tc.t, func() bool {
		got = tc.EventsOfType(typ)
		return len(got) >= n
	}, DefaultTimeout, 10*time.Millisecond, "waiting for %d x %s", n, typ)
	return got
}

// WaitForState 等待客户端进入指定状态
func (tc *TestClient) WaitForState(state wsclient.ClientState) {
	tc.t.Helper()
	require.Eventually(tc.t, func() bool { return tc.State() == state },
		DefaultTimeout, 10*time.Millisecond, "waiting for state %s", state)
}

// StateChanges 状态变化记录
func (tc *TestClient) StateChanges() []StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]StateChange, len(tc.stateChanges))
	copy(out, tc.stateChanges)
	return out
}
