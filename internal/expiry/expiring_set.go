package expiry

import (
	"sync"
	"time"
)

// Set 是带 TTL 的去重集合：同一键在 TTL 窗口内只允许登记一次。
// 信令事件会经“具体监听 + 通配兜底”两条路径重复到达，上层用本集合
// 在分发前丢弃后到的那份。清理协程周期性剔除过期键，防止长会话内存增长。
type Set struct {
	mu      sync.Mutex
	items   map[string]time.Time // 键 -> 过期时刻
	ttl     time.Duration
	stop    chan struct{}
	stopped bool
}

// NewSet 创建集合并启动后台清理协程。cleanup 为清理周期，传 0 使用 ttl。
func NewSet(ttl, cleanup time.Duration) *Set {
	if cleanup <= 0 {
		cleanup = ttl
	}
	s := &Set{
		items: make(map[string]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.janitor(cleanup)
	return s
}

// Admit 尝试登记键：若不存在或已过期则登记并返回 true；
// 窗口内已存在返回 false（调用方应丢弃该事件）。
func (s *Set) Admit(key string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.items[key]; ok && now.Before(exp) {
		return false
	}
	s.items[key] = now.Add(s.ttl)
	return true
}

// Contains 查询键是否仍在窗口内，不改变状态。
func (s *Set) Contains(key string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.items[key]
	return ok && now.Before(exp)
}

// Release 主动移除键。通话达到终态后调用，保证 callId 复用时新事件不被误判为重复。
func (s *Set) Release(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len 返回当前未过期键数量（含待清理的过期键不计入）。
func (s *Set) Len() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, exp := range s.items {
		if now.Before(exp) {
			n++
		}
	}
	return n
}

// Dispose 停止清理协程并清空集合。幂等。
func (s *Set) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	s.items = make(map[string]time.Time)
}

func (s *Set) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			s.mu.Lock()
			for k, exp := range s.items {
				if !now.Before(exp) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
