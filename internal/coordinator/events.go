package coordinator

import (
	"fmt"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/protocol"
)

// HandleEvent 实现 domain.EventSink。在会话锁内被同步调用，只做入队操作
func (c *Coordinator) HandleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventSessionCreated:
		c.events.LogInfo("registry", string(ev.Session.ID), "session created")
	case domain.EventMessageAppended:
		c.onMessage(ev)
	case domain.EventModeChanged:
		c.onModeChanged(ev)
	}
}

func (c *Coordinator) onMessage(ev domain.Event) {
	msg := ev.Message
	id := ev.Session.ID

	if msg.Sender == domain.SenderUser {
		if ev.Session.Mode == domain.ModeBot {
			c.supersede(id)
		}
	} else {
		c.hub.Queue(outbox.UserKey(id)).Enqueue(protocol.FromMessage(protocol.UserEventType(msg), msg))
	}

	owner := ev.Session.OwningAgent
	if ev.Session.Mode != domain.ModeHuman || owner == "" {
		return
	}
	switch msg.Sender {
	case domain.SenderUser:
		env := protocol.FromMessage(protocol.TypeUserMessage, msg)
		env.UserID = ev.Session.UserID
		c.hub.Queue(outbox.AgentKey(owner)).Enqueue(env)
	case domain.SenderAgent:
		// 回显给坐席的所有设备
		c.hub.Queue(outbox.AgentKey(owner)).Enqueue(protocol.FromMessage(protocol.TypeAgentMessage, msg))
	}
}

func (c *Coordinator) onModeChanged(ev domain.Event) {
	id := ev.Session.ID
	switch ev.To {
	case domain.ModeWaitingHuman:
		c.markEscalated(id)
		alert := domain.Alert{
			SessionID: id,
			UserID:    ev.Session.UserID,
			Reason:    ev.Actor.Reason,
			CreatedAt: ev.Session.UpdatedAt,
		}

		c.alertsMu.Lock()
		c.alerts[id] = alert
		c.broadcastLocked(alertEnvelope(alert), "")
		c.alertsMu.Unlock()

		c.events.LogWarning("coordinator", string(id), fmt.Sprintf("escalation alert raised (%s)", alert.Reason))

	case domain.ModeHuman:
		c.markEscalated(id)
		c.takeovers.Add(1)
		winner := ev.Session.OwningAgent

		c.alertsMu.Lock()
		delete(c.alerts, id)
		withdrawn := &protocol.Envelope{
			Type:      protocol.TypeAlertWithdrawn,
			SessionID: string(id),
			AgentID:   string(winner),
			Reason:    WithdrawTakenOver,
		}
		c.broadcastLocked(withdrawn, winner)
		c.alertsMu.Unlock()

		c.hub.Queue(outbox.AgentKey(winner)).Enqueue(&protocol.Envelope{
			Type:      protocol.TypeTakenOver,
			SessionID: string(id),
			UserID:    ev.Session.UserID,
			AgentID:   string(winner),
			History:   ev.History,
		})

		c.events.LogInfo("coordinator", string(id), fmt.Sprintf("taken over by %s", winner))

	case domain.ModeClosed:
		c.forget(id)

		c.alertsMu.Lock()
		_, pending := c.alerts[id]
		delete(c.alerts, id)
		c.hub.DiscardSession(id)
		if pending {
			withdrawn := &protocol.Envelope{
				Type:      protocol.TypeAlertWithdrawn,
				SessionID: string(id),
				Reason:    WithdrawClosed,
			}
			c.broadcastLocked(withdrawn, "")
		}
		c.alertsMu.Unlock()

		closed := &protocol.Envelope{
			Type:      protocol.TypeSessionClosed,
			SessionID: string(id),
			Message:   c.cfg.ClosedNotice,
			Reason:    string(ev.Actor.Kind),
			AgentID:   string(ev.Actor.AgentID),
			Timestamp: ev.Session.UpdatedAt,
		}
		if c.userAttached(id) {
			c.hub.Queue(outbox.UserKey(id)).Enqueue(closed)
		} else {
			// 没有用户连接（例如只走 REST 的会话），队列不会再被读取
			c.hub.Remove(outbox.UserKey(id))
		}
		if owner := ev.Session.OwningAgent; owner != "" {
			c.hub.Queue(outbox.AgentKey(owner)).Enqueue(closed)
		}

		c.events.LogInfo("coordinator", string(id), fmt.Sprintf("session closed by %s", ev.Actor.Kind))
	}
}

func alertEnvelope(a domain.Alert) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypeNewAlert,
		SessionID: string(a.SessionID),
		UserID:    a.UserID,
		Reason:    a.Reason,
		CreatedAt: a.CreatedAt,
	}
}
