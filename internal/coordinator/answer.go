package coordinator

import (
	"context"
	"errors"
	"log"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/gateway"
)

// beginCall 登记一次应答调用。会话已升级或协调器已关闭时返回 false
func (c *Coordinator) beginCall(parent context.Context, id domain.SessionID) (context.Context, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.escalated[id] || c.ctx.Err() != nil {
		return nil, 0, false
	}
	if prev, ok := c.inflight[id]; ok {
		prev.cancel()
		c.superseded.Add(1)
	}

	ctx, cancel := context.WithCancel(parent)
	// 协调器关闭时同样取消
	stop := context.AfterFunc(c.ctx, cancel)
	c.gen++
	gen := c.gen
	c.inflight[id] = &call{gen: gen, cancel: func() {
		stop()
		cancel()
	}}
	return ctx, gen, true
}

// endCall 调用结束，仅清理仍属于自己的登记
func (c *Coordinator) endCall(id domain.SessionID, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inflight[id]; ok && cur.gen == gen {
		cur.cancel()
		delete(c.inflight, id)
	}
}

// current 判断 gen 是否仍是该会话最新的调用
func (c *Coordinator) current(id domain.SessionID, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.inflight[id]
	return ok && cur.gen == gen
}

// supersede 新的用户消息取消尚未完成的应答，在会话锁内调用
func (c *Coordinator) supersede(id domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inflight[id]; ok {
		cur.cancel()
		delete(c.inflight, id)
		c.superseded.Add(1)
	}
}

// markEscalated 会话离开 BOT 模式，之后不再调用应答网关，在会话锁内调用
func (c *Coordinator) markEscalated(id domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalated[id] = true
	delete(c.failures, id)
	if cur, ok := c.inflight[id]; ok {
		cur.cancel()
		delete(c.inflight, id)
	}
}

// forget 会话关闭，清理全部登记，在会话锁内调用
func (c *Coordinator) forget(id domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inflight[id]; ok {
		cur.cancel()
		delete(c.inflight, id)
	}
	delete(c.escalated, id)
	delete(c.failures, id)
}

func (c *Coordinator) recordFailure(id domain.SessionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[id]++
	return c.failures[id]
}

func (c *Coordinator) resetFailures(id domain.SessionID) {
	c.mu.Lock()
	delete(c.failures, id)
	c.mu.Unlock()
}

// answer 调用应答网关并把结果写回会话。
// 结果只在调用仍然有效且会话仍处于 BOT 模式时追加，两项检查都在会话锁内完成。
func (c *Coordinator) answer(ctx context.Context, gen uint64, sess domain.Session, question string) Result {
	id := sess.ID
	defer c.endCall(id, gen)

	if ctx.Err() != nil {
		return Result{Session: sess, Discarded: true}
	}

	c.gatewayCalls.Add(1)
	ans, err := c.gw.Ask(ctx, gateway.Request{Question: question, SessionID: id, UserID: sess.UserID})
	if ctx.Err() != nil {
		return Result{Session: sess, Discarded: true}
	}

	if ans.Escalate {
		c.resetFailures(id)
		c.events.LogInfo("gateway", string(id), "responder gave up, escalating")
		s, changed, err := c.escalate(c.ctx, id, domain.SystemActor(ReasonBotFallback))
		if err != nil {
			log.Printf("Escalate after fallback failed: session=%s err=%v", id, err)
		}
		return Result{Session: s, Escalated: changed}
	}

	var failures int
	if err != nil {
		failures = c.recordFailure(id)
		c.events.LogWarning("gateway", string(id), err.Error())
	} else {
		c.resetFailures(id)
	}

	msg := domain.NewMessage(id, domain.SenderBot, ans.Text, c.now())
	msg.Retryable = ans.Apology
	res, appendErr := c.reg.AppendIf(c.ctx, id, msg, func(s domain.Session) error {
		if s.Mode != domain.ModeBot {
			return domain.ErrModeChanged
		}
		if !c.current(id, gen) {
			return errSuperseded
		}
		return nil
	})
	if appendErr != nil {
		if !errors.Is(appendErr, domain.ErrModeChanged) && !errors.Is(appendErr, errSuperseded) {
			log.Printf("Append bot answer failed: session=%s err=%v", id, appendErr)
		}
		return Result{Session: res.Session, Discarded: true}
	}
	result := Result{Session: res.Session, Message: msg}

	if limit := int(c.escalateAfter.Load()); err != nil && limit > 0 && failures >= limit {
		c.autoEscalate.Add(1)
		s, changed, err := c.escalate(c.ctx, id, domain.SystemActor(ReasonBotFailed))
		if err != nil {
			log.Printf("Auto escalation failed: session=%s err=%v", id, err)
		} else {
			result.Session = s
			result.Escalated = changed
		}
	}
	return result
}

// escalate BOT → WAITING_HUMAN，成功时在同一临界区追加一次交接通知
func (c *Coordinator) escalate(ctx context.Context, id domain.SessionID, actor domain.Actor) (domain.Session, bool, error) {
	notice := domain.NewMessage(id, domain.SenderSystem, c.cfg.HandoverNotice, c.now())
	notice.Notice = domain.NoticeHandoverRequested
	return c.reg.TransitionWithNotice(ctx, id, domain.ModeWaitingHuman, actor, notice)
}
