package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/auth"
	"HandoverDesk/internal/coordinator"
	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/registry"
	"HandoverDesk/internal/store/memory"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type apiHarness struct {
	srv   *httptest.Server
	coord *coordinator.Coordinator
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	reg := registry.New(memory.New(), registry.Config{})
	gw := gateway.New(gateway.NewStaticResponder(nil, ""), gateway.DefaultPolicy())
	coord := coordinator.New(reg, gw, outbox.NewHub(0), coordinator.Config{}, nil)
	t.Cleanup(coord.Close)

	api := NewAPIServer(coord, Options{
		Auth: auth.NewTokenAuthenticator(map[string]string{"A1": "t1", "A2": "t2"}),
		Health: func(ctx context.Context) map[string]interface{} {
			return map[string]interface{}{"storage": "memory"}
		},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiHarness{srv: srv, coord: coord}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, agent string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if agent != "" {
		req.Header.Set("X-Agent-ID", agent)
		req.Header.Set("Authorization", "Bearer "+map[string]string{"A1": "t1", "A2": "t2"}[agent])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestCreateSessionAndQA(t *testing.T) {
	h := newAPIHarness(t)

	status, env := h.do(t, "POST", "/api/v1/sessions", map[string]interface{}{"user_id": 42}, "")
	require.Equal(t, http.StatusCreated, status)
	var sess domain.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Len(t, string(sess.ID), 36)
	assert.Equal(t, domain.UserID("42"), sess.UserID)
	assert.Equal(t, domain.ModeBot, sess.Mode)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.Equal(t, float64(42), raw["user_id"])

	status, env = h.do(t, "POST", "/api/v1/sessions", map[string]interface{}{"user_id": true}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", env.Code)

	status, env = h.do(t, "POST", "/api/v1/qa", QARequest{Question: "What is your pricing?", SessionID: string(sess.ID)}, "")
	require.Equal(t, http.StatusOK, status)
	var qa QAResponse
	require.NoError(t, json.Unmarshal(env.Data, &qa))
	assert.Equal(t, string(sess.ID), qa.SessionID)
	assert.Contains(t, qa.Answer, "Starter")
	assert.Equal(t, domain.ModeBot, qa.Mode)
	assert.False(t, qa.Escalated)

	status, env = h.do(t, "GET", "/api/v1/sessions/"+string(sess.ID)+"/messages?after_seq=1", nil, "")
	require.Equal(t, http.StatusOK, status)
	var msgs []*domain.Message
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, domain.SenderBot, msgs[1].Sender)
}

func TestQAWithoutSessionEscalates(t *testing.T) {
	h := newAPIHarness(t)

	status, env := h.do(t, "POST", "/api/v1/qa", map[string]interface{}{"question": "I need a human", "user_id": "u-7"}, "")
	require.Equal(t, http.StatusOK, status)
	var qa QAResponse
	require.NoError(t, json.Unmarshal(env.Data, &qa))
	assert.NotEmpty(t, qa.SessionID)
	assert.True(t, qa.Escalated)
	assert.Empty(t, qa.Answer)
	assert.Equal(t, domain.ModeWaitingHuman, qa.Mode)

	status, _ = h.do(t, "POST", "/api/v1/qa", map[string]interface{}{"question": "  "}, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAgentEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	_, _, err := h.coord.ConnectUser(ctx, "S1", "u1")
	require.NoError(t, err)
	_, err = h.coord.RequestHuman(ctx, "S1")
	require.NoError(t, err)

	status, env := h.do(t, "GET", "/api/v1/alerts", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", env.Code)

	status, env = h.do(t, "GET", "/api/v1/alerts", nil, "A1")
	require.Equal(t, http.StatusOK, status)
	var alerts []domain.Alert
	require.NoError(t, json.Unmarshal(env.Data, &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SessionID("S1"), alerts[0].SessionID)

	status, _ = h.do(t, "POST", "/api/v1/sessions/S1/takeover", nil, "A1")
	require.Equal(t, http.StatusOK, status)

	status, env = h.do(t, "POST", "/api/v1/sessions/S1/takeover", nil, "A2")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_claimed", env.Code)

	status, env = h.do(t, "POST", "/api/v1/sessions/S1/reply", map[string]string{"message": "hi"}, "A2")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_owner", env.Code)

	status, env = h.do(t, "POST", "/api/v1/sessions/S1/reply", map[string]string{"message": "Hello, how can I help?"}, "A1")
	require.Equal(t, http.StatusOK, status)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, domain.SenderAgent, msg.Sender)

	status, _ = h.do(t, "POST", "/api/v1/sessions/S1/close", nil, "A2")
	assert.Equal(t, http.StatusForbidden, status)
	status, env = h.do(t, "POST", "/api/v1/sessions/S1/close", nil, "A1")
	require.Equal(t, http.StatusOK, status)
	var sess domain.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	assert.Equal(t, domain.ModeClosed, sess.Mode)

	// 关闭是幂等的，关闭后的会话拒绝新的提问
	status, _ = h.do(t, "POST", "/api/v1/sessions/S1/close", nil, "")
	assert.Equal(t, http.StatusOK, status)
	status, env = h.do(t, "POST", "/api/v1/qa", QARequest{Question: "hello?", SessionID: "S1"}, "")
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "session_closed", env.Code)
}

func TestNotFoundAndHealth(t *testing.T) {
	h := newAPIHarness(t)

	status, env := h.do(t, "GET", "/api/v1/sessions/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Code)

	status, env = h.do(t, "GET", "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "memory", health["storage"])

	status, env = h.do(t, "GET", "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), "coordinator")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.ErrNotFound))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.ErrAlreadyClaimed))
	assert.Equal(t, http.StatusForbidden, StatusFor(domain.ErrNotOwner))
	assert.Equal(t, http.StatusGone, StatusFor(domain.ErrSessionClosed))
	assert.Equal(t, http.StatusBadRequest, StatusFor(domain.ErrInvalidInput))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
