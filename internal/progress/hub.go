package progress

import (
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Subscription 表示一个已连接客户端。
type Subscription struct {
	ID string
	C  <-chan any

	hub *Hub
	ch  chan any
}

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() {
	s.hub.remove(s.ID)
}

// Hub 维护订阅者集合；广播不阻塞，订阅者缓冲区满时丢弃该条消息。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewHub 创建空 Hub。
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe 注册新客户端。
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan any, subscriberBuffer)
	sub := &Subscription{
		ID:  uuid.NewString(),
		C:   ch,
		hub: h,
		ch:  ch,
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// Broadcast 将消息投递给所有订阅者，返回成功投递的数量。
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Close 关闭全部订阅，用于进程退出时结束 SSE 连接。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Count 返回当前订阅者数量。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
