// Package outbox 为每个接收方维护有序的待投递队列。
//
// 入队时分配单调递增的投递序号。信封在客户端回执 {type:"ack", seq} 之前一直保留，
// 每个新连接从最后一次回执之后按原顺序重发（至少一次），客户端按序号去重。
// 写入成功只说明数据进入了内核缓冲区，半开连接上写出的信封同样会被重发。
package outbox

import (
	"log"
	"sort"
	"sync"

	"HandoverDesk/internal/domain"
	"HandoverDesk/internal/protocol"
)

// DefaultLimit 单个接收方队列的默认容量
const DefaultLimit = 1024

// UserKey 用户通道的接收方标识
func UserKey(id domain.SessionID) string {
	return "user:" + string(id)
}

// AgentKey 坐席通道的接收方标识
func AgentKey(id domain.AgentID) string {
	return "agent:" + string(id)
}

// Queue 单个接收方的投递队列
type Queue struct {
	key   string
	limit int

	mu      sync.Mutex
	items   []*protocol.Envelope
	nextSeq uint64
	acked   uint64
	dropped uint64

	ready chan struct{}
}

func newQueue(key string, limit int) *Queue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Queue{
		key:     key,
		limit:   limit,
		nextSeq: 1,
		ready:   make(chan struct{}, 1),
	}
}

// Key 接收方标识
func (q *Queue) Key() string {
	return q.key
}

// Enqueue 入队并返回分配的投递序号
func (q *Queue) Enqueue(env *protocol.Envelope) uint64 {
	cp := *env

	q.mu.Lock()
	cp.Seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, &cp)
	if over := len(q.items) - q.limit; over > 0 {
		q.items = q.items[over:]
		q.dropped += uint64(over)
		log.Printf("Outbox %s over capacity, dropped %d oldest envelopes", q.key, over)
	}
	q.mu.Unlock()

	q.signal()
	return cp.Seq
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pending 返回尚未确认的信封快照，按序号排列
func (q *Queue) Pending() []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*protocol.Envelope, len(q.items))
	copy(out, q.items)
	return out
}

// Ack 确认 seq 及之前的所有信封，超出已分配范围的序号按最后一个处理
func (q *Queue) Ack(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq >= q.nextSeq {
		seq = q.nextSeq - 1
	}

	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].Seq > seq })
	q.items = q.items[i:]
	if seq > q.acked {
		q.acked = seq
	}
}

// Drop 移除单个信封（例如无法编码的信封）
func (q *Queue) Drop(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].Seq >= seq })
	if i < len(q.items) && q.items[i].Seq == seq {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
}

// DiscardSession 丢弃某个会话的全部待投递信封
func (q *Queue) DiscardSession(id domain.SessionID) int {
	return q.discard(func(env *protocol.Envelope) bool {
		return domain.SessionID(env.SessionID) == id
	})
}

// DiscardTypes 丢弃指定类型的待投递信封
func (q *Queue) DiscardTypes(types ...string) int {
	return q.discard(func(env *protocol.Envelope) bool {
		for _, t := range types {
			if env.Type == t {
				return true
			}
		}
		return false
	})
}

func (q *Queue) discard(match func(*protocol.Envelope) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	n := 0
	for _, env := range q.items {
		if match(env) {
			n++
			continue
		}
		kept = append(kept, env)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return n
}

// Ready 有新信封入队时可读
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len 待投递数量
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueStats 队列统计
type QueueStats struct {
	Pending int    `json:"pending"`
	LastSeq uint64 `json:"last_seq"`
	Acked   uint64 `json:"acked"`
	Dropped uint64 `json:"dropped"`
}

// Stats 队列统计
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending: len(q.items),
		LastSeq: q.nextSeq - 1,
		Acked:   q.acked,
		Dropped: q.dropped,
	}
}

// Hub 所有接收方队列的集合
type Hub struct {
	limit int

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewHub 创建队列集合
func NewHub(limit int) *Hub {
	return &Hub{
		limit:  limit,
		queues: make(map[string]*Queue),
	}
}

// Queue 获取或创建接收方队列
func (h *Hub) Queue(key string) *Queue {
	h.mu.RLock()
	q, ok := h.queues[key]
	h.mu.RUnlock()
	if ok {
		return q
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[key]; ok {
		return q
	}
	q = newQueue(key, h.limit)
	h.queues[key] = q
	return q
}

// Lookup 查找已存在的队列
func (h *Hub) Lookup(key string) (*Queue, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.queues[key]
	return q, ok
}

// Remove 删除接收方队列
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	delete(h.queues, key)
	h.mu.Unlock()
}

// DiscardSession 在所有队列中丢弃某个会话的待投递信封
func (h *Hub) DiscardSession(id domain.SessionID) int {
	h.mu.RLock()
	queues := make([]*Queue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.RUnlock()

	n := 0
	for _, q := range queues {
		n += q.DiscardSession(id)
	}
	return n
}

// Stats 所有队列的统计
func (h *Hub) Stats() map[string]QueueStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]QueueStats, len(h.queues))
	for key, q := range h.queues {
		out[key] = q.Stats()
	}
	return out
}
