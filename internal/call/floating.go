package call

import (
	"log"
	"sync"
	"time"
)

// 媒体资源以接口注入，媒体栈内部不在本层范围。
type AudioSession interface {
	Stop() error
}

type MediaTrack interface {
	Stop() error
}

type PeerConnection interface {
	Close() error
}

// Resources 为一通已接通通话持有的副作用句柄。允许部分为 nil
// （例如对端连接尚未建立就被挂断）。
type Resources struct {
	Audio  AudioSession
	Tracks []MediaTrack
	Peer   PeerConnection
}

// FloatingInfo 为悬浮窗展示字段。
type FloatingInfo struct {
	CallID     string
	PeerID     string
	PeerName   string
	PeerAvatar string
	StartedAt  time.Time
}

// Floating 管理接通中通话的资源生命周期，独立于当前挂载的界面：
// 切页不拆通话，从任一入口挂断都恰好清理一次。
// 清理逐项兜底：某一步失败（如重复关闭对端连接）不阻断后续步骤。
type Floating struct {
	mu       sync.Mutex
	visible  bool
	info     FloatingInfo
	res      Resources
	duration int64 // 展示用秒数

	tickStop chan struct{}
}

func NewFloating() *Floating {
	return &Floating{}
}

// Show 登记通话元数据与资源句柄，置为可见，并启动时长计时。
func (f *Floating) Show(info FloatingInfo, res Resources) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTickerLocked()
	f.visible = true
	f.info = info
	f.res = res
	f.duration = 0

	stop := make(chan struct{})
	f.tickStop = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				f.mu.Lock()
				f.duration++
				f.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// Hide 执行幂等清理并清空状态。重复调用为空操作。
func (f *Floating) Hide() {
	f.cleanup()
}

// ForceHide 与 Hide 同一套清理，保证返回前同步完成——
// 远端挂断时界面必须立刻消失，不等任何异步收尾。
func (f *Floating) ForceHide() {
	f.cleanup()
}

// UpdateDuration 只改展示计数，不碰资源。
func (f *Floating) UpdateDuration(seconds int64) {
	f.mu.Lock()
	f.duration = seconds
	f.mu.Unlock()
}

func (f *Floating) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *Floating) Duration() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *Floating) Info() FloatingInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *Floating) cleanup() {
	f.mu.Lock()
	if !f.visible {
		f.mu.Unlock()
		return
	}
	f.visible = false
	res := f.res
	f.res = Resources{}
	f.info = FloatingInfo{}
	f.duration = 0
	f.stopTickerLocked()
	f.mu.Unlock()

	// 逐项释放，单步失败不中断
	if res.Audio != nil {
		step("stop audio", res.Audio.Stop)
	}
	for _, tr := range res.Tracks {
		if tr != nil {
			step("stop track", tr.Stop)
		}
	}
	if res.Peer != nil {
		step("close peer", res.Peer.Close)
	}
}

// 调用方须持有 f.mu
func (f *Floating) stopTickerLocked() {
	if f.tickStop != nil {
		close(f.tickStop)
		f.tickStop = nil
	}
}

func step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Call cleanup %s panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("Call cleanup %s: %v", name, err)
	}
}
