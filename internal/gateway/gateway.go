// Package gateway 把一次用户提问桥接到外部AI应答服务。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"HandoverDesk/internal/domain"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultApologyText = "Sorry, I'm having trouble answering right now. Please try again in a moment."
	DefaultFallback    = "I'm not able to help with that. Let me connect you with a human agent."
)

// Request 发给应答服务的请求
type Request struct {
	Question  string           `json:"question"`
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
}

// Reply 应答服务的回复。Escalate 为显式的升级信号，此时 Answer 不会展示给用户
type Reply struct {
	Answer   string `json:"answer"`
	Escalate bool   `json:"escalate,omitempty"`
}

// Responder 外部AI应答服务
type Responder interface {
	Ask(ctx context.Context, req Request) (Reply, error)
}

// ResponderFunc 函数适配器
type ResponderFunc func(ctx context.Context, req Request) (Reply, error)

// Ask 实现 Responder
func (f ResponderFunc) Ask(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// Policy 可热更新的网关策略
type Policy struct {
	Timeout         time.Duration
	ApologyText     string
	FallbackPhrases []string
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         DefaultTimeout,
		ApologyText:     DefaultApologyText,
		FallbackPhrases: []string{DefaultFallback},
	}
}

// Answer 网关的处理结果
type Answer struct {
	Text string
	// 应答服务放弃回答，由协调器负责升级，Text 为空
	Escalate bool
	// Text 是网关生成的致歉文案
	Apology bool
}

// Gateway 应答网关
type Gateway struct {
	responder Responder
	policy    atomic.Pointer[Policy]

	asked     atomic.Uint64
	answered  atomic.Uint64
	timedOut  atomic.Uint64
	failed    atomic.Uint64
	escalated atomic.Uint64
}

// New 创建网关
func New(responder Responder, policy Policy) *Gateway {
	g := &Gateway{responder: responder}
	g.UpdatePolicy(policy)
	return g
}

// UpdatePolicy 替换策略，对之后的请求生效
func (g *Gateway) UpdatePolicy(p Policy) {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.ApologyText == "" {
		p.ApologyText = DefaultApologyText
	}
	phrases := make([]string, 0, len(p.FallbackPhrases))
	for _, s := range p.FallbackPhrases {
		if n := normalize(s); n != "" {
			phrases = append(phrases, n)
		}
	}
	p.FallbackPhrases = phrases
	g.policy.Store(&p)
}

// Policy 当前策略
func (g *Gateway) Policy() Policy {
	return *g.policy.Load()
}

// Ask 在超时限制内向应答服务提问。
//
// 超时返回 ErrTimedOut，其他失败返回 ErrFailed，两者都附带致歉文案且不重试。
// 调用方取消 ctx（被新消息取代）时返回 ctx.Err()，不产生致歉。
func (g *Gateway) Ask(ctx context.Context, req Request) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	policy := g.policy.Load()
	g.asked.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := g.responder.Ask(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimedOut) || callCtx.Err() != nil {
			g.timedOut.Add(1)
			log.Printf("Answer gateway timed out after %v: session=%s", time.Since(start), req.SessionID)
			return Answer{Text: policy.ApologyText, Apology: true}, fmt.Errorf("%w: %v", domain.ErrTimedOut, err)
		}
		g.failed.Add(1)
		log.Printf("Answer gateway failed: session=%s err=%v", req.SessionID, err)
		return Answer{Text: policy.ApologyText, Apology: true}, fmt.Errorf("%w: %v", domain.ErrFailed, err)
	}

	if reply.Escalate || isFallback(policy, reply.Answer) {
		g.escalated.Add(1)
		return Answer{Escalate: true}, nil
	}
	if strings.TrimSpace(reply.Answer) == "" {
		g.failed.Add(1)
		return Answer{Text: policy.ApologyText, Apology: true}, fmt.Errorf("%w: empty answer", domain.ErrFailed)
	}

	g.answered.Add(1)
	return Answer{Text: reply.Answer}, nil
}

// Stats 网关统计
func (g *Gateway) Stats() map[string]interface{} {
	return map[string]interface{}{
		"asked":     g.asked.Load(),
		"answered":  g.answered.Load(),
		"timed_out": g.timedOut.Load(),
		"failed":    g.failed.Load(),
		"escalated": g.escalated.Load(),
	}
}

func isFallback(p *Policy, answer string) bool {
	n := normalize(answer)
	if n == "" {
		return false
	}
	for _, phrase := range p.FallbackPhrases {
		if n == phrase {
			return true
		}
	}
	return false
}

// normalize 忽略大小写与首尾空白、结尾标点
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?。！？ ")
}
