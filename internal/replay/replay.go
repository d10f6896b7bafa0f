package replay

import (
	"sync"
	"time"

	"go-callkit/internal/models"
)

// Buffer 是单槽待补投缓冲：来电事件到达时若无人订阅通话通道，
// 事件暂存于此；首个订阅者注册时取走补发。只保留最新一条——
// 对呼叫场景而言旧来电已无意义，后写覆盖前写。
type Buffer struct {
	mu  sync.Mutex
	ev  *models.CallEvent
	at  time.Time
	ttl time.Duration
}

func NewBuffer(ttl time.Duration) *Buffer {
	return &Buffer{ttl: ttl}
}

// Put 暂存事件，覆盖已有内容。
func (b *Buffer) Put(ev models.CallEvent) {
	b.mu.Lock()
	b.ev = &ev
	b.at = time.Now()
	b.mu.Unlock()
}

// Take 取走暂存事件：仅当事件仍在 TTL 窗口内返回 (event, true)，
// 无论是否过期槽位都被清空。过期来电静默丢弃（此时对端早已超时）。
func (b *Buffer) Take() (models.CallEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ev == nil {
		return models.CallEvent{}, false
	}
	ev := *b.ev
	fresh := time.Since(b.at) <= b.ttl
	b.ev = nil
	if !fresh {
		return models.CallEvent{}, false
	}
	return ev, true
}

// Clear 清空槽位。
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.ev = nil
	b.mu.Unlock()
}
