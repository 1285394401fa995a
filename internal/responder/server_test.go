package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
)

func startBufconn(t *testing.T, s *Server) *gateway.GRPCResponder {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gs, _ := ServeGRPC(lis, s)
	t.Cleanup(gs.Stop)

	client, err := gateway.NewGRPCResponder(&gateway.GRPCResponderConfig{
		Addr: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// TestGRPCAsk 测试 gRPC 往返
func TestGRPCAsk(t *testing.T) {
	s := NewServer(nil)
	client := startBufconn(t, s)

	reply, err := client.Ask(context.Background(), gateway.Request{Question: "What are your pricing plans?", SessionID: "S1", UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, reply.Answer, "Starter")
	assert.False(t, reply.Escalate)
	assert.Equal(t, int64(1), s.RequestCount())

	// 空问题
	_, err = client.Ask(context.Background(), gateway.Request{Question: " "})
	assert.Error(t, err)
}

// TestGRPCTypedEscalation 测试显式升级信号穿过 gRPC
func TestGRPCTypedEscalation(t *testing.T) {
	s := NewServer(gateway.ResponderFunc(func(ctx context.Context, req gateway.Request) (gateway.Reply, error) {
		return gateway.Reply{Answer: "handing off", Escalate: true}, nil
	}))
	client := startBufconn(t, s)

	g := gateway.New(client, gateway.DefaultPolicy())
	ans, err := g.Ask(context.Background(), gateway.Request{Question: "refund"})
	require.NoError(t, err)
	assert.True(t, ans.Escalate)
}

// TestGRPCTimeout 测试网关超时经 gRPC 传递
func TestGRPCTimeout(t *testing.T) {
	s := NewServer(nil, WithDelay(time.Second))
	client := startBufconn(t, s)

	p := gateway.DefaultPolicy()
	p.Timeout = 50 * time.Millisecond
	g := gateway.New(client, p)

	ans, err := g.Ask(context.Background(), gateway.Request{Question: "pricing"})
	assert.ErrorIs(t, err, domain.ErrTimedOut)
	assert.True(t, ans.Apology)
}

// TestHTTPQA 测试 HTTP 问答接口，user_id 兼容整数
func TestHTTPQA(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).HTTPHandler())
	defer srv.Close()

	body := []byte(`{"question":"how it works","user_id":1699999999}`)
	resp, err := http.Post(srv.URL+"/api/v1/qa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply gateway.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Contains(t, reply.Answer, "human agent")

	// 经过 HTTP 客户端的完整路径
	client := gateway.NewHTTPResponder(&gateway.HTTPResponderConfig{URL: srv.URL + "/api/v1/qa"})
	got, err := client.Ask(context.Background(), gateway.Request{Question: "pricing", UserID: "7"})
	require.NoError(t, err)
	assert.Contains(t, got.Answer, "Enterprise")

	resp, err = http.Post(srv.URL+"/api/v1/qa", "application/json", bytes.NewReader([]byte(`{"question":""}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
