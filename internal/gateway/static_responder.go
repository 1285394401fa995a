package gateway

import (
	"context"
	"sort"
	"strings"
)

// StaticResponder 基于关键词的本地应答，供本地运行与测试使用
type StaticResponder struct {
	answers  map[string]string
	keys     []string
	fallback string
}

// DefaultAnswers 内置知识库
func DefaultAnswers() map[string]string {
	return map[string]string{
		"reset my password": "Open Settings > Security and choose \"Reset password\". We'll email you a reset link.",
		"pricing":           "We offer Starter, Team and Enterprise plans. See the Pricing page for details.",
		"how it works":      "Ask me anything about your account. If I can't help, a human agent will join the chat.",
		"services":          "We provide onboarding, integrations and 24/7 support.",
	}
}

// NewStaticResponder 创建本地应答器，未命中时返回 fallback
func NewStaticResponder(answers map[string]string, fallback string) *StaticResponder {
	if answers == nil {
		answers = DefaultAnswers()
	}
	if fallback == "" {
		fallback = DefaultFallback
	}
	keys := make([]string, 0, len(answers))
	lowered := make(map[string]string, len(answers))
	for k, v := range answers {
		lk := strings.ToLower(k)
		lowered[lk] = v
		keys = append(keys, lk)
	}
	// 长关键词优先，匹配结果稳定
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return &StaticResponder{answers: lowered, keys: keys, fallback: fallback}
}

// Ask 实现 Responder
func (s *StaticResponder) Ask(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	q := strings.ToLower(req.Question)
	for _, k := range s.keys {
		if strings.Contains(q, k) {
			return Reply{Answer: s.answers[k]}, nil
		}
	}
	return Reply{Answer: s.fallback}, nil
}
