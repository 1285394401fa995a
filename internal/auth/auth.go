// Package auth 校验坐席身份。
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"HandoverDesk/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator 坐席认证
type Authenticator interface {
	Authenticate(agentID domain.AgentID, token string) error
}

// TokenAuthenticator 基于配置的静态令牌认证，支持热更新
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[domain.AgentID]string
}

// NewTokenAuthenticator 创建令牌认证器。tokens 为空时允许任何坐席（仅限本地开发）
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	a.Update(tokens)
	return a
}

// Update 替换令牌表
func (a *TokenAuthenticator) Update(tokens map[string]string) {
	m := make(map[domain.AgentID]string, len(tokens))
	for id, tok := range tokens {
		m[domain.AgentID(id)] = tok
	}
	a.mu.Lock()
	a.tokens = m
	a.mu.Unlock()
}

// Open 未配置任何坐席，所有请求放行
func (a *TokenAuthenticator) Open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens) == 0
}

// Authenticate 实现 Authenticator
func (a *TokenAuthenticator) Authenticate(agentID domain.AgentID, token string) error {
	if agentID == "" {
		return ErrUnauthorized
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.tokens) == 0 {
		return nil
	}
	want, ok := a.tokens[agentID]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll 不做校验，测试使用
type AllowAll struct{}

// Authenticate 实现 Authenticator
func (AllowAll) Authenticate(agentID domain.AgentID, _ string) error {
	if agentID == "" {
		return ErrUnauthorized
	}
	return nil
}

// TokenFromRequest 依次从 Authorization: Bearer 头与 token 查询参数取令牌
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
