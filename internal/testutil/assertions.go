package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HandoverDesk/internal/domain"
)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t  *testing.T
	ts *TestServer
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T, ts *TestServer) *TestAssertions {
	return &TestAssertions{t: t, ts: ts}
}

// AssertMode 断言会话当前模式
func (ta *TestAssertions) AssertMode(id domain.SessionID, want domain.Mode) {
	ta.t.Helper()
	sess, err := ta.ts.Coord.Session(id)
	require.NoError(ta.t, err)
	assert.Equal(ta.t, want, sess.Mode, "session %s mode", id)
}

// AssertDeliveryOrder 断言投递序号严格递增，没有重复也没有回退
func (ta *TestAssertions) AssertDeliveryOrder(client *TestClient) {
	ta.t.Helper()
	var last uint64
	for _, env := range client.Events() {
		if env.Seq == 0 {
			continue
		}
		assert.Greater(ta.t, env.Seq, last, "delivery seq regressed at %s", env.Type)
		last = env.Seq
	}
}

// AssertMessageOrder 断言同一会话的消息序号严格递增
func (ta *TestAssertions) AssertMessageOrder(client *TestClient, id domain.SessionID) {
	ta.t.Helper()
	var last uint64
	for _, env := range client.Events() {
		if env.MessageSeq == 0 || env.Session() != id {
			continue
		}
		assert.Greater(ta.t, env.MessageSeq, last, "message seq regressed at %s", env.Type)
		last = env.MessageSeq
	}
}

// AssertSingleNotice 断言某类系统通知在用户通道上只出现一次
func (ta *TestAssertions) AssertSingleNotice(client *TestClient, typ string) {
	ta.t.Helper()
	assert.Equal(ta.t, 1, client.Count(typ), "expected exactly one %s", typ)
}

// AssertNoEvent 断言没有收到某类事件
func (ta *TestAssertions) AssertNoEvent(client *TestClient, typ string) {
	ta.t.Helper()
	assert.Zero(ta.t, client.Count(typ), "unexpected %s", typ)
}

// AssertHistoryTypes 断言会话日志的发送方序列
func (ta *TestAssertions) AssertHistoryTypes(id domain.SessionID, want ...domain.Sender) {
	ta.t.Helper()
	msgs, err := ta.ts.Coord.History(id, 0, 0)
	require.NoError(ta.t, err)
	got := make([]domain.Sender, len(msgs))
	for i, m := range msgs {
		got[i] = m.Sender
	}
	assert.Equal(ta.t, want, got)
}

// APIResult REST 响应
type APIResult struct {
	Status  int             `json:"-"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// Decode 解析 data 字段
func (r APIResult) Decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, v))
}

// DoAPI 调用 REST 接口，agentID 非空时附带坐席凭证
func (ts *TestServer) DoAPI(method, path string, body interface{}, agentID string) APIResult {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.APIURL()+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
		req.Header.Set("Authorization", "Bearer "+AgentTokens[agentID])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	res := APIResult{Status: resp.StatusCode}
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}
