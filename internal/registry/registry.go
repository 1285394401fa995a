// Package registry 是会话状态的唯一权威来源。
//
// 每个会话拥有独立的锁，迁移与追加在该锁内完成并同步发出领域事件，
// 因此同一会话的事件顺序与日志顺序一致；不同会话之间互不阻塞。
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/store"
)

const DefaultWelcomeMessage = "Hi there! I'm your support assistant. How can I help you today?"

// Config 注册表配置
type Config struct {
	WelcomeMessage string
	Now            func() time.Time
}

// Appended 追加结果
type Appended struct {
	Seq        uint64
	Session    domain.Session
	Suppressed bool // 与已有系统消息内容相同，被去重
}

// entry 单个会话的内存状态
type entry struct {
	mu      sync.Mutex
	sess    domain.Session
	log     []*domain.Message
	nextSeq uint64
	seen    map[string]struct{} // 已追加消息的正文，系统消息据此去重
	removed bool
}

// Registry 会话注册表
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*entry

	store   store.Store
	sink    domain.EventSink
	welcome string
	now     func() time.Time
}

// New 创建注册表
func New(st store.Store, cfg Config) *Registry {
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = DefaultWelcomeMessage
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		entries: make(map[domain.SessionID]*entry),
		store:   st,
		welcome: cfg.WelcomeMessage,
		now:     cfg.Now,
	}
}

// SetEventSink 设置领域事件消费者，必须在处理任何请求之前调用
func (r *Registry) SetEventSink(sink domain.EventSink) {
	r.sink = sink
}

func (r *Registry) emit(ev domain.Event) {
	if r.sink != nil {
		r.sink.HandleEvent(ev)
	}
}

// Create 以 BOT 模式创建会话并追加欢迎消息
func (r *Registry) Create(ctx context.Context, id domain.SessionID, userID domain.UserID) (domain.Session, error) {
	if err := domain.ValidateSessionID(id); err != nil {
		return domain.Session{}, err
	}
	if userID == "" {
		userID = domain.UserID(id)
	}

	r.mu.Lock()
	if existing, ok := r.entries[id]; ok {
		r.mu.Unlock()
		existing.mu.Lock()
		closed := existing.sess.Mode == domain.ModeClosed
		existing.mu.Unlock()
		if closed {
			return domain.Session{}, fmt.Errorf("create %s: %w", id, domain.ErrSessionClosed)
		}
		return domain.Session{}, fmt.Errorf("create %s: %w", id, domain.ErrDuplicateSession)
	}

	now := r.now()
	e := &entry{
		sess: domain.Session{
			ID:        id,
			UserID:    userID,
			Mode:      domain.ModeBot,
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextSeq: 1,
		seen:    make(map[string]struct{}),
	}
	// 在发布到map之前加锁，并发的调用者会等待初始化完成
	e.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	welcome := domain.NewMessage(id, domain.SenderBot, r.welcome, now)
	welcome.Seq = e.nextSeq
	e.sess.MessageCount = 1

	if err := r.store.SaveSession(ctx, e.sess); err != nil {
		r.discard(id, e)
		return domain.Session{}, err
	}
	if err := r.store.AppendMessage(ctx, welcome); err != nil {
		r.discard(id, e)
		return domain.Session{}, err
	}
	e.log = append(e.log, welcome)
	e.seen[welcome.Content] = struct{}{}
	e.nextSeq++

	log.Printf("Session created: %s (user=%s)", id, userID)

	snap := e.sess
	r.emit(domain.Event{Type: domain.EventSessionCreated, Session: snap, To: domain.ModeBot})
	r.emit(domain.Event{Type: domain.EventMessageAppended, Session: snap, Message: cloneMessage(welcome)})
	return snap, nil
}

// discard 创建失败时回滚，调用者持有 e.mu
func (r *Registry) discard(id domain.SessionID, e *entry) {
	e.removed = true
	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// lookup 取得已加锁的会话条目，调用者负责解锁
func (r *Registry) lookup(id domain.SessionID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Get 获取会话快照
func (r *Registry) Get(id domain.SessionID) (domain.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}
	defer e.mu.Unlock()
	return e.sess, nil
}

// Messages 读取 afterSeq 之后的消息（关闭后的会话返回空）
func (r *Registry) Messages(id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	var out []*domain.Message
	for _, m := range e.log {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneMessage(m))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// List 列出所有未关闭会话，按创建时间排序
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && e.sess.Mode != domain.ModeClosed {
			out = append(out, e.sess)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Transition 校验并执行模式迁移。
//
// 对同一会话的并发迁移是线性化的：两个坐席同时接管时只有一个成功，
// 另一个得到 ErrAlreadyClaimed。返回值 changed 为 false 表示幂等的空操作。
func (r *Registry) Transition(ctx context.Context, id domain.SessionID, to domain.Mode, actor domain.Actor) (domain.Session, bool, error) {
	return r.TransitionWithNotice(ctx, id, to, actor, nil)
}

// TransitionWithNotice 与 Transition 相同，迁移成功时在同一临界区内追加系统消息，
// 保证通知紧跟在迁移之后且只出现一次。
func (r *Registry) TransitionWithNotice(ctx context.Context, id domain.SessionID, to domain.Mode, actor domain.Actor, notice *domain.Message) (domain.Session, bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Session{}, false, err
	}
	defer e.mu.Unlock()

	from := e.sess.Mode
	changed, err := checkEdge(e.sess, to, actor)
	if err != nil || !changed {
		return e.sess, false, err
	}

	prev := e.sess
	e.sess.Mode = to
	e.sess.UpdatedAt = r.now()
	switch to {
	case domain.ModeHuman:
		e.sess.OwningAgent = actor.AgentID
	case domain.ModeClosed:
		e.sess.MessageCount = 0
	}

	if err := r.store.SaveSession(ctx, e.sess); err != nil {
		e.sess = prev
		return prev, false, err
	}

	ev := domain.Event{Type: domain.EventModeChanged, From: from, To: to, Actor: actor}
	switch to {
	case domain.ModeHuman:
		ev.History = make([]*domain.Message, len(e.log))
		for i, m := range e.log {
			ev.History[i] = cloneMessage(m)
		}
	case domain.ModeClosed:
		if err := r.store.Purge(ctx, id); err != nil {
			// 会话已经以墓碑形式关闭，残留日志不影响状态
			log.Printf("Purge message log failed: session=%s err=%v", id, err)
		}
		e.log = nil
		e.seen = make(map[string]struct{})
	}

	log.Printf("Session %s: %s -> %s (actor=%s %s)", id, from, to, actor.Kind, actor.AgentID)

	ev.Session = e.sess
	r.emit(ev)

	if notice != nil && to != domain.ModeClosed {
		if _, err := r.appendLocked(ctx, e, notice); err != nil {
			// 迁移已经生效，通知丢失只影响展示
			log.Printf("Append transition notice failed: session=%s err=%v", id, err)
		}
	}
	return e.sess, true, nil
}

// checkEdge 状态机的合法边
func checkEdge(sess domain.Session, to domain.Mode, actor domain.Actor) (bool, error) {
	from := sess.Mode
	switch to {
	case domain.ModeWaitingHuman:
		switch from {
		case domain.ModeBot:
			return true, nil
		case domain.ModeWaitingHuman, domain.ModeHuman:
			// 已经升级过的会话吸收重复的升级请求
			return false, nil
		case domain.ModeClosed:
			return false, domain.ErrSessionClosed
		}
	case domain.ModeHuman:
		if actor.Kind != domain.ActorAgent || actor.AgentID == "" {
			return false, fmt.Errorf("%w: takeover requires an agent", domain.ErrIllegalTransition)
		}
		switch from {
		case domain.ModeWaitingHuman:
			return true, nil
		case domain.ModeHuman:
			if sess.OwningAgent == actor.AgentID {
				return false, nil
			}
			return false, domain.ErrAlreadyClaimed
		case domain.ModeBot:
			return false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
		case domain.ModeClosed:
			return false, domain.ErrSessionClosed
		}
	case domain.ModeClosed:
		if from == domain.ModeClosed {
			return false, nil
		}
		if actor.Kind == domain.ActorAgent && (from != domain.ModeHuman || sess.OwningAgent != actor.AgentID) {
			return false, domain.ErrNotOwner
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
}

// AppendMessage 追加消息并返回分配的序号
func (r *Registry) AppendMessage(ctx context.Context, id domain.SessionID, msg *domain.Message) (uint64, error) {
	res, err := r.Append(ctx, id, msg)
	return res.Seq, err
}

// Append 追加消息。expect 非空时要求会话当前处于其中某个模式，否则返回 ErrModeChanged。
// 系统消息与日志中已有消息内容完全相同时被抑制，不产生事件。
func (r *Registry) Append(ctx context.Context, id domain.SessionID, msg *domain.Message, expect ...domain.Mode) (Appended, error) {
	if len(expect) == 0 {
		return r.AppendIf(ctx, id, msg, nil)
	}
	return r.AppendIf(ctx, id, msg, func(sess domain.Session) error {
		if !modeIn(sess.Mode, expect) {
			return fmt.Errorf("append %s in %s: %w", id, sess.Mode, domain.ErrModeChanged)
		}
		return nil
	})
}

// AppendIf 在会话锁内执行 cond，cond 返回错误时不追加。
// cond 只能读取快照或获取比会话锁更靠后的锁，不得回调注册表。
func (r *Registry) AppendIf(ctx context.Context, id domain.SessionID, msg *domain.Message, cond func(domain.Session) error) (Appended, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Appended{}, err
	}
	defer e.mu.Unlock()

	if e.sess.Mode == domain.ModeClosed {
		return Appended{Session: e.sess}, fmt.Errorf("append %s: %w", id, domain.ErrSessionClosed)
	}
	if cond != nil {
		if err := cond(e.sess); err != nil {
			return Appended{Session: e.sess}, err
		}
	}
	return r.appendLocked(ctx, e, msg)
}

// appendLocked 调用者持有 e.mu
func (r *Registry) appendLocked(ctx context.Context, e *entry, msg *domain.Message) (Appended, error) {
	if msg.Sender == domain.SenderSystem {
		if _, dup := e.seen[msg.Content]; dup {
			return Appended{Session: e.sess, Suppressed: true}, nil
		}
	}

	if msg.SessionID == "" {
		msg.SessionID = e.sess.ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	msg.Seq = e.nextSeq

	stored := cloneMessage(msg)
	if err := r.store.AppendMessage(ctx, stored); err != nil {
		msg.Seq = 0
		return Appended{Session: e.sess}, err
	}

	e.nextSeq++
	e.log = append(e.log, stored)
	e.sess.MessageCount++
	e.sess.UpdatedAt = msg.Timestamp
	e.seen[msg.Content] = struct{}{}

	snap := e.sess
	r.emit(domain.Event{Type: domain.EventMessageAppended, Session: snap, Message: cloneMessage(stored)})
	return Appended{Seq: stored.Seq, Session: snap}, nil
}

// Restore 从持久化存储重建内存状态，返回恢复出的未关闭会话
func (r *Registry) Restore(ctx context.Context) ([]domain.Session, error) {
	sessions, err := r.store.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}

	var open []domain.Session
	for _, sess := range sessions {
		e := &entry{sess: sess, nextSeq: 1, seen: make(map[string]struct{})}
		if sess.Mode != domain.ModeClosed {
			msgs, err := r.store.LoadMessages(ctx, sess.ID, 0, 0)
			if err != nil {
				return nil, err
			}
			for _, m := range msgs {
				e.log = append(e.log, m)
				if m.Seq >= e.nextSeq {
					e.nextSeq = m.Seq + 1
				}
				e.seen[m.Content] = struct{}{}
			}
			e.sess.MessageCount = len(e.log)
			open = append(open, e.sess)
		}

		r.mu.Lock()
		r.entries[sess.ID] = e
		r.mu.Unlock()
	}

	log.Printf("Registry restored %d sessions (%d open)", len(sessions), len(open))
	return open, nil
}

func modeIn(m domain.Mode, set []domain.Mode) bool {
	for _, s := range set {
		if s == m {
			return true
		}
	}
	return false
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	return &cp
}
