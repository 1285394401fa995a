// Package testutil 端到端测试用的完整服务栈与客户端包装器
package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/auth"
	"HandoverDesk/internal/chatserver"
	"HandoverDesk/internal/coordinator"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/httpserver"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/registry"
	"HandoverDesk/internal/store"
	"HandoverDesk/internal/store/memory"
)

// DefaultTimeout 等待事件的默认时长
const DefaultTimeout = 5 * time.Second

// AgentTokens 测试坐席凭证
var AgentTokens = map[string]string{
	"A1": "token-a1",
	"A2": "token-a2",
	"A3": "token-a3",
}

// StackOptions 测试服务栈选项，零值即可使用
type StackOptions struct {
	Store       store.Store
	Responder   gateway.Responder
	Policy      *gateway.Policy
	Coordinator coordinator.Config
	Registry    registry.Config
	OutboxLimit int
	// 修改聊天服务器配置，例如缩短心跳
	ServerConfig func(*chatserver.ServerConfig)
}

// TestServer 完整的服务栈：内存存储、注册表、网关、协调器、WebSocket 与 REST 服务器
type TestServer struct {
	Chat     *chatserver.Server
	API      *httptest.Server
	Coord    *coordinator.Coordinator
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Auth     *auth.TokenAuthenticator
	t        *testing.T
}

// NewTestServer 启动服务栈，测试结束时自动关闭
func NewTestServer(t *testing.T, opts StackOptions) *TestServer {
	t.Helper()

	st := opts.Store
	if st == nil {
		st = memory.New()
	}
	responder := opts.Responder
	if responder == nil {
		responder = gateway.NewStaticResponder(nil, "")
	}
	policy := gateway.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	reg := registry.New(st, opts.Registry)
	gw := gateway.New(responder, policy)
	coord := coordinator.New(reg, gw, outbox.NewHub(opts.OutboxLimit), opts.Coordinator, nil)
	authn := auth.NewTokenAuthenticator(AgentTokens)

	serverConfig := chatserver.DefaultServerConfig("127.0.0.1:0")
	if opts.ServerConfig != nil {
		opts.ServerConfig(serverConfig)
	}
	chat := chatserver.New(serverConfig, coord, authn, nil)
	require.NoError(t, chat.Start(), "Failed to start chat server")

	api := httptest.NewServer(httpserver.NewAPIServer(coord, httpserver.Options{
		Auth:  authn,
		Stats: chat.GetStats,
	}).Handler())

	ts := &TestServer{
		Chat:     chat,
		API:      api,
		Coord:    coord,
		Registry: reg,
		Gateway:  gw,
		Auth:     authn,
		t:        t,
	}
	t.Cleanup(ts.Stop)
	t.Logf("✅ Test stack started: ws=%s http=%s", ts.WebSocketURL(), api.URL)
	return ts
}

// Stop 关闭服务栈，可重复调用
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	ts.API.Close()
	ts.Chat.Shutdown(ctx)
	ts.Coord.Close()
}

// WebSocketURL 形如 ws://127.0.0.1:port
func (ts *TestServer) WebSocketURL() string {
	return "ws://" + ts.Chat.Addr()
}

// ChatHTTPURL 聊天服务器的 /stats 与 /control 地址前缀
func (ts *TestServer) ChatHTTPURL() string {
	return "http://" + ts.Chat.Addr()
}

// APIURL REST 接口前缀
func (ts *TestServer) APIURL() string {
	return ts.API.URL + "/api/v1"
}
