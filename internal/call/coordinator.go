package call

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-callkit/internal/metrics"
	"go-callkit/internal/models"
	"go-callkit/internal/signal"
)

// 通话状态机状态
type State string

const (
	StateIdle            State = "idle"
	StateIncomingRinging State = "incoming_ringing"
	StateOutgoingRinging State = "outgoing_ringing"
	StateConnected       State = "connected"
)

var (
	ErrBusy   = errors.New("call: another call in progress")
	ErrNoCall = errors.New("call: no call in that state")
)

// SignalSession 是协调器对信令会话的依赖面。
type SignalSession interface {
	Send(action string, data interface{}) error
	ReleaseCall(callID string)
}

// Surface 是协调器驱动的界面回调。实现方不得在回调内再调协调器的
// 变更方法（读快照可以）。
type Surface interface {
	ShowIncoming(ev models.CallEvent)      // 全屏来电
	Notify(ev models.CallEvent)            // 后台通知路径
	ClearNotification(callID string)       // 撤掉通知
	StopRingback()                         // 停本地回铃音
}

// 上行载荷
type initiatePayload struct {
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
}

type callRefPayload struct {
	CallID         string `json:"callId"`
	RecipientID    string `json:"recipientId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Coordinator 是每会话一个的通话生命周期状态机，唯一回答
// “现在该显示哪种通话界面”。事件可能重复、乱序、从多路径到达，
// 这里只依赖 id 匹配与去重登记，不依赖顺序。
type Coordinator struct {
	mu      sync.Mutex
	state   State
	callID  string
	current models.CallEvent // 当前通话的来电/发起上下文
	handled bool             // 后台通知路径已处理，回前台不再弹

	sess     SignalSession
	surface  Surface
	floating *Floating
	recovery *RecoveryCache

	selfID      string
	platform    Platform
	appState    func() AppState // 为空视为前台
	ringTimeout time.Duration   // 主叫振铃超时，默认 30s
	ringTimer   *time.Timer
}

type CoordinatorOptions struct {
	SelfID      string
	Platform    Platform
	AppState    func() AppState
	RingTimeout time.Duration
	Session     SignalSession
	Surface     Surface
	Floating    *Floating
	Recovery    *RecoveryCache
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Floating == nil {
		opts.Floating = NewFloating()
	}
	return &Coordinator{
		state:       StateIdle,
		sess:        opts.Session,
		surface:     opts.Surface,
		floating:    opts.Floating,
		recovery:    opts.Recovery,
		selfID:      opts.SelfID,
		platform:    opts.Platform,
		appState:    opts.AppState,
		ringTimeout: opts.RingTimeout,
	}
}

// Snapshot 返回只读状态快照。
func (c *Coordinator) Snapshot() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.callID
}

func (c *Coordinator) Floating() *Floating { return c.floating }

// HandleEvent 消费注册表分发的通话事件。与 registry.SubscribeCalls 对接。
func (c *Coordinator) HandleEvent(ev models.CallEvent) {
	switch ev.Kind {
	case models.EventIncomingCall:
		c.onIncoming(ev)
	case models.EventCallAccepted:
		c.onAccepted(ev)
	case models.EventCallRejected, models.EventCallCancelled, models.EventCallEnded, models.EventCallBusy:
		c.onTerminal(ev)
	}
}

func (c *Coordinator) onIncoming(ev models.CallEvent) {
	c.mu.Lock()
	if c.state != StateIdle {
		// 本地已有通话，忽略；服务端的忙线处理会给主叫回 call_busy
		c.mu.Unlock()
		log.Printf("Call ignoring incoming call=%s (state=%s)", ev.CallID, c.state)
		return
	}
	c.state = StateIncomingRinging
	c.callID = ev.CallID
	c.current = ev
	action := RingFullScreen
	if c.appState != nil {
		action = RingPolicy(c.platform, c.appState())
	}
	// 只要提醒成功发出即记已处理，回前台不重弹
	c.handled = c.surface != nil
	c.mu.Unlock()

	log.Printf("Call ringing (incoming): call=%s from=%s action=%s", ev.CallID, ev.CallerID, action)
	if c.surface != nil {
		if action == RingFullScreen {
			c.surface.ShowIncoming(ev)
		} else {
			c.surface.Notify(ev)
		}
	}
}

func (c *Coordinator) onAccepted(ev models.CallEvent) {
	// 无条件清去重登记：本地接听时服务端也可能回播 accepted
	c.sess.ReleaseCall(ev.CallID)

	c.mu.Lock()
	if ev.CallID != c.callID || c.state != StateOutgoingRinging {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.stopRingTimerLocked()
	info := FloatingInfo{
		CallID:    c.callID,
		PeerID:    c.current.CallerID,
		StartedAt: time.Now(),
	}
	c.mu.Unlock()

	log.Printf("Call connected: call=%s", ev.CallID)
	if c.surface != nil {
		c.surface.StopRingback()
	}
	c.floating.Show(info, Resources{})
	c.saveRecovery(info)
}

func (c *Coordinator) onTerminal(ev models.CallEvent) {
	// 不匹配的事件对界面无效，但仍清掉自己的去重登记，避免陈旧残留
	c.sess.ReleaseCall(ev.CallID)

	c.mu.Lock()
	if ev.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.stopRingTimerLocked()
	c.state = StateIdle
	c.callID = ""
	c.current = models.CallEvent{}
	c.handled = false
	c.mu.Unlock()

	log.Printf("Call terminated: call=%s reason=%s", ev.CallID, ev.Kind)
	if wasConnected {
		metrics.CallDuration.Observe(float64(c.floating.Duration()))
		// 远端结束：先同步拆资源，界面立即消失
		c.floating.ForceHide()
	}
	if c.recovery != nil {
		c.recovery.Clear()
	}
	if c.surface != nil {
		c.surface.StopRingback()
		c.surface.ClearNotification(ev.CallID)
	}
}

// OnForeground 回前台钩子：仍在来电振铃且尚未提醒过时补弹全屏界面。
// 已走过通知路径的来电不会重复触发。
func (c *Coordinator) OnForeground() {
	c.mu.Lock()
	if c.state != StateIncomingRinging || c.handled {
		c.mu.Unlock()
		return
	}
	c.handled = true
	ev := c.current
	c.mu.Unlock()
	if c.surface != nil {
		c.surface.ShowIncoming(ev)
	}
}

// Initiate 发起去电。仅 Idle 可发起；未连接时直接失败（通话尚不存在，
// 不做乐观转移）。
func (c *Coordinator) Initiate(recipientID, conversationID, callType string) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrBusy
	}
	callID := uuid.NewString()
	payload := initiatePayload{
		CallID:         callID,
		CallerID:       c.selfID,
		RecipientID:    recipientID,
		ConversationID: conversationID,
		CallType:       callType,
	}
	c.mu.Unlock()

	if err := c.sess.Send(models.ActionInitiateCall, payload); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.state = StateOutgoingRinging
	c.callID = callID
	c.current = models.CallEvent{Kind: models.EventIncomingCall, CallID: callID, CallerID: recipientID, ConversationID: conversationID, CallType: callType}
	c.startRingTimerLocked(callID)
	c.mu.Unlock()

	log.Printf("Call ringing (outgoing): call=%s to=%s", callID, recipientID)
	return callID, nil
}

// Accept 接听当前来电。发送失败（断连）时仍乐观转移到接通态，
// 把 ErrNotConnected 交给调用方提示，不让用户困在死振铃界面。
func (c *Coordinator) Accept() error {
	c.mu.Lock()
	if c.state != StateIncomingRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	ev := c.current
	c.state = StateConnected
	info := FloatingInfo{
		CallID:     callID,
		PeerID:     ev.CallerID,
		PeerName:   ev.CallerName,
		PeerAvatar: ev.CallerAvatar,
		StartedAt:  time.Now(),
	}
	c.mu.Unlock()

	// 立刻清去重登记：服务端复用 id 时下一通不被压掉
	c.sess.ReleaseCall(callID)

	sendErr := c.sess.Send(models.ActionAcceptCall, callRefPayload{CallID: callID})
	if sendErr != nil {
		log.Printf("Call accept send failed: call=%s err=%v", callID, sendErr)
	}
	if c.surface != nil {
		c.surface.ClearNotification(callID)
	}
	c.floating.Show(info, Resources{})
	c.saveRecovery(info)
	log.Printf("Call accepted locally: call=%s", callID)
	return sendErr
}

// Reject 拒接当前来电。乐观回到 Idle。
func (c *Coordinator) Reject() error {
	c.mu.Lock()
	if c.state != StateIncomingRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	ev := c.current
	c.state = StateIdle
	c.callID = ""
	c.current = models.CallEvent{}
	c.handled = false
	c.mu.Unlock()

	c.sess.ReleaseCall(callID)
	sendErr := c.sess.Send(models.ActionRejectCall, callRefPayload{
		CallID:         callID,
		RecipientID:    ev.CallerID,
		ConversationID: ev.ConversationID,
	})
	if sendErr != nil {
		log.Printf("Call reject send failed: call=%s err=%v", callID, sendErr)
	}
	if c.surface != nil {
		c.surface.ClearNotification(callID)
	}
	log.Printf("Call rejected locally: call=%s", callID)
	return sendErr
}

// CancelOutgoing 撤回去电。乐观回到 Idle。
func (c *Coordinator) CancelOutgoing() error {
	c.mu.Lock()
	if c.state != StateOutgoingRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	c.stopRingTimerLocked()
	c.state = StateIdle
	c.callID = ""
	c.current = models.CallEvent{}
	c.mu.Unlock()

	c.sess.ReleaseCall(callID)
	sendErr := c.sess.Send(models.ActionCancelCall, callRefPayload{CallID: callID})
	if c.surface != nil {
		c.surface.StopRingback()
	}
	log.Printf("Call cancelled locally: call=%s", callID)
	return sendErr
}

// HangUp 挂断接通中的通话。本地先同步拆资源再回 Idle。
func (c *Coordinator) HangUp() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNoCall
	}
	callID := c.callID
	c.state = StateIdle
	c.callID = ""
	c.current = models.CallEvent{}
	c.mu.Unlock()

	metrics.CallDuration.Observe(float64(c.floating.Duration()))
	c.sess.ReleaseCall(callID)
	sendErr := c.sess.Send(models.ActionEndCall, callRefPayload{CallID: callID})
	c.floating.ForceHide()
	if c.recovery != nil {
		c.recovery.Clear()
	}
	log.Printf("Call ended locally: call=%s", callID)
	return sendErr
}

// 主叫振铃超时：到点单方面回 Idle 并停回铃，不依赖服务端事件
// （防服务端事件丢失把用户钉死在拨号界面）。
// 调用方须持有 c.mu
func (c *Coordinator) startRingTimerLocked(callID string) {
	c.stopRingTimerLocked()
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		c.mu.Lock()
		if c.state != StateOutgoingRinging || c.callID != callID {
			c.mu.Unlock()
			return
		}
		c.state = StateIdle
		c.callID = ""
		c.current = models.CallEvent{}
		c.ringTimer = nil
		c.mu.Unlock()

		c.sess.ReleaseCall(callID)
		if c.surface != nil {
			c.surface.StopRingback()
		}
		log.Printf("Call ring timeout: call=%s", callID)
	})
}

// 调用方须持有 c.mu
func (c *Coordinator) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) saveRecovery(info FloatingInfo) {
	if c.recovery == nil {
		return
	}
	err := c.recovery.Save(ActiveCall{
		CallID:    info.CallID,
		PeerID:    info.PeerID,
		Status:    models.CallStatusAnswered,
		StartTime: info.StartedAt,
	})
	if err != nil {
		log.Printf("Call recovery save failed: %v", err)
	}
}

// 编译期确认 Session 满足依赖面
var _ SignalSession = (*signal.Session)(nil)
