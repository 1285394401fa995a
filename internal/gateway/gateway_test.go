package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/domain"
)

func fixed(reply Reply, err error) ResponderFunc {
	return func(ctx context.Context, req Request) (Reply, error) {
		return reply, err
	}
}

func slow(d time.Duration) ResponderFunc {
	return func(ctx context.Context, req Request) (Reply, error) {
		select {
		case <-time.After(d):
			return Reply{Answer: "too late"}, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}

// TestAskAnswer 测试正常应答
func TestAskAnswer(t *testing.T) {
	g := New(fixed(Reply{Answer: "Use the reset link."}, nil), DefaultPolicy())

	ans, err := g.Ask(context.Background(), Request{Question: "How do I reset my password?", SessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "Use the reset link.", ans.Text)
	assert.False(t, ans.Escalate)
	assert.False(t, ans.Apology)
	assert.Equal(t, uint64(1), g.Stats()["answered"])
}

// TestAskTimeout 测试超时返回致歉
func TestAskTimeout(t *testing.T) {
	p := DefaultPolicy()
	p.Timeout = 50 * time.Millisecond
	g := New(slow(time.Second), p)

	start := time.Now()
	ans, err := g.Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrTimedOut)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, ans.Apology)
	assert.Equal(t, DefaultApologyText, ans.Text)
}

// TestAskFailure 测试应答服务错误
func TestAskFailure(t *testing.T) {
	var calls atomic.Int32
	g := New(ResponderFunc(func(ctx context.Context, req Request) (Reply, error) {
		calls.Add(1)
		return Reply{}, errors.New("boom")
	}), DefaultPolicy())

	ans, err := g.Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrFailed)
	assert.True(t, ans.Apology)
	assert.Equal(t, int32(1), calls.Load(), "gateway never retries")

	_, err = New(fixed(Reply{Answer: "  "}, nil), DefaultPolicy()).Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrFailed)
}

// TestAskCallerCancel 测试被新消息取代时不产生致歉
func TestAskCallerCancel(t *testing.T) {
	g := New(slow(time.Second), DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ans, err := g.Ask(ctx, Request{Question: "q"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ans.Text)
	assert.False(t, ans.Apology)
}

// TestAskEscalation 测试放弃信号：显式标记与兜底话术
func TestAskEscalation(t *testing.T) {
	g := New(fixed(Reply{Answer: "whatever", Escalate: true}, nil), DefaultPolicy())
	ans, err := g.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.True(t, ans.Escalate)
	assert.Empty(t, ans.Text, "fallback text must not be shown")

	g = New(fixed(Reply{Answer: "  i'm NOT able to help with that. Let me connect you with a human agent!"}, nil), DefaultPolicy())
	ans, err = g.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.True(t, ans.Escalate)

	// 仅包含兜底话术的一部分不算
	g = New(fixed(Reply{Answer: "Let me connect you with a human agent if this doesn't help: try restarting."}, nil), DefaultPolicy())
	ans, err = g.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.False(t, ans.Escalate)
}

// TestUpdatePolicy 测试策略热更新
func TestUpdatePolicy(t *testing.T) {
	g := New(fixed(Reply{Answer: "No idea"}, nil), DefaultPolicy())

	ans, err := g.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.False(t, ans.Escalate)

	g.UpdatePolicy(Policy{FallbackPhrases: []string{"no idea"}, ApologyText: ""})
	assert.Equal(t, DefaultTimeout, g.Policy().Timeout)
	assert.Equal(t, DefaultApologyText, g.Policy().ApologyText)

	ans, err = g.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.True(t, ans.Escalate)
}

// TestStaticResponder 测试内置知识库
func TestStaticResponder(t *testing.T) {
	r := NewStaticResponder(nil, "")
	reply, err := r.Ask(context.Background(), Request{Question: "How do I RESET MY PASSWORD?"})
	require.NoError(t, err)
	assert.Contains(t, reply.Answer, "Reset password")

	reply, err = r.Ask(context.Background(), Request{Question: "I need a human"})
	require.NoError(t, err)
	assert.Equal(t, DefaultFallback, reply.Answer)

	g := New(r, DefaultPolicy())
	ans, err := g.Ask(context.Background(), Request{Question: "I need a human"})
	require.NoError(t, err)
	assert.True(t, ans.Escalate)
}

// TestHTTPResponder 测试HTTP应答客户端
func TestHTTPResponder(t *testing.T) {
	var (
		got Request
		raw map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		require.NoError(t, json.Unmarshal(body, &raw))
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"answer": "42"}})
	}))
	defer srv.Close()

	r := NewHTTPResponder(&HTTPResponderConfig{URL: srv.URL, AuthToken: "secret"})
	reply, err := r.Ask(context.Background(), Request{Question: "meaning?", SessionID: "1712345678", UserID: "1712345678"})
	require.NoError(t, err)
	assert.Equal(t, "42", reply.Answer)
	assert.Equal(t, "meaning?", got.Question)
	assert.Equal(t, domain.UserID("1712345678"), got.UserID)

	// 应答服务约定 user_id 为整数
	assert.Equal(t, float64(1712345678), raw["user_id"])
	assert.Equal(t, "1712345678", raw["session_id"])
}

// TestHTTPResponderErrors 测试HTTP错误与超时映射
func TestHTTPResponderErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	g := New(NewHTTPResponder(&HTTPResponderConfig{URL: failing.URL}), DefaultPolicy())
	_, err := g.Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrFailed)

	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer hanging.Close()

	p := DefaultPolicy()
	p.Timeout = 100 * time.Millisecond
	g = New(NewHTTPResponder(&HTTPResponderConfig{URL: hanging.URL}), p)
	_, err = g.Ask(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrTimedOut)
}

// TestEncodeRequestUserID gRPC 请求中的数字用户标识以数值传递
func TestEncodeRequestUserID(t *testing.T) {
	s, err := EncodeRequest(Request{Question: "q", SessionID: "S1", UserID: "1712345678"})
	require.NoError(t, err)
	assert.Equal(t, float64(1712345678), s.GetFields()["user_id"].GetNumberValue())
	assert.Equal(t, domain.UserID("1712345678"), DecodeRequest(s).UserID)

	s, err = EncodeRequest(Request{Question: "q", SessionID: "S1", UserID: "u-7"})
	require.NoError(t, err)
	assert.Equal(t, "u-7", s.GetFields()["user_id"].GetStringValue())
	assert.Equal(t, domain.UserID("u-7"), DecodeRequest(s).UserID)
}
