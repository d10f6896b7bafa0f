package registry

import (
	"encoding/json"
	"log"
	"sync"

	"go-callkit/internal/models"
)

// Registry 管理会话内的事件订阅：两条通道（消息、通话），
// 多订阅者共存，退订互不影响。分发对订阅者快照进行，
// 单个回调 panic 被隔离，不影响其余订阅者和分发方。
type Registry struct {
	mu       sync.Mutex
	nextID   int
	calls    map[int]func(models.CallEvent)
	messages map[int]func(json.RawMessage)

	// 首个通话订阅者注册时同步触发（补发待投事件用）
	onFirstCalls func()
}

func New() *Registry {
	return &Registry{
		calls:    make(map[int]func(models.CallEvent)),
		messages: make(map[int]func(json.RawMessage)),
	}
}

// SetFirstCallsHook 设置“通话订阅者从无到有”时的回调。
// 必须在任何 SubscribeCalls 之前设置。
func (r *Registry) SetFirstCallsHook(fn func()) {
	r.mu.Lock()
	r.onFirstCalls = fn
	r.mu.Unlock()
}

// SubscribeCalls 注册通话事件回调，返回退订函数（幂等）。
func (r *Registry) SubscribeCalls(fn func(models.CallEvent)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	wasEmpty := len(r.calls) == 0
	r.calls[id] = fn
	hook := r.onFirstCalls
	r.mu.Unlock()

	// 钩子在锁外触发，补发路径会再走正常分发
	if wasEmpty && hook != nil {
		hook()
	}
	return func() {
		r.mu.Lock()
		delete(r.calls, id)
		r.mu.Unlock()
	}
}

// SubscribeMessages 注册消息回调，返回退订函数。
func (r *Registry) SubscribeMessages(fn func(json.RawMessage)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.messages[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.messages, id)
		r.mu.Unlock()
	}
}

// CallSubscriberCount 返回当前通话订阅者数量。
func (r *Registry) CallSubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// PublishCall 向所有通话订阅者分发事件。
func (r *Registry) PublishCall(ev models.CallEvent) {
	r.mu.Lock()
	snapshot := make([]func(models.CallEvent), 0, len(r.calls))
	for _, fn := range r.calls {
		snapshot = append(snapshot, fn)
	}
	r.mu.Unlock()
	for _, fn := range snapshot {
		safeCall(func() { fn(ev) })
	}
}

// PublishMessage 向所有消息订阅者分发原始载荷。
func (r *Registry) PublishMessage(raw json.RawMessage) {
	r.mu.Lock()
	snapshot := make([]func(json.RawMessage), 0, len(r.messages))
	for _, fn := range r.messages {
		snapshot = append(snapshot, fn)
	}
	r.mu.Unlock()
	for _, fn := range snapshot {
		safeCall(func() { fn(raw) })
	}
}

// Clear 移除全部订阅者（会话销毁时调用）。
func (r *Registry) Clear() {
	r.mu.Lock()
	r.calls = make(map[int]func(models.CallEvent))
	r.messages = make(map[int]func(json.RawMessage))
	r.onFirstCalls = nil
	r.mu.Unlock()
}

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("registry: subscriber panic recovered: %v", rec)
		}
	}()
	fn()
}
