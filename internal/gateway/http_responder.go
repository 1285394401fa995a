package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPResponderConfig HTTP应答服务配置
type HTTPResponderConfig struct {
	URL             string // 例如 http://127.0.0.1:9002/api/v1/qa
	AuthToken       string
	Headers         map[string]string
	MaxIdleConns    int
	MaxConnsPerHost int
}

// HTTPResponder 通过 POST {question, user_id, session_id} 调用应答服务
type HTTPResponder struct {
	config *HTTPResponderConfig
	client *http.Client
}

// NewHTTPResponder 创建HTTP应答客户端，超时由网关的 ctx 控制
func NewHTTPResponder(config *HTTPResponderConfig) *HTTPResponder {
	transport := &http.Transport{
		MaxIdleConns:    config.MaxIdleConns,
		MaxConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout: 90 * time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}

	return &HTTPResponder{
		config: config,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Ask 实现 Responder
func (h *HTTPResponder) Ask(ctx context.Context, r Request) (Reply, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create request failed: %w", err)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	if h.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.AuthToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("read response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("responder returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	// 兼容直接返回 {answer} 与包裹在 {data:{answer}} 中的两种格式
	var envelope struct {
		Reply
		Data *Reply `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return Reply{}, fmt.Errorf("decode response failed: %w", err)
	}
	if envelope.Data != nil {
		return *envelope.Data, nil
	}
	return envelope.Reply, nil
}
