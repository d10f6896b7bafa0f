package signal

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"go-callkit/internal/expiry"
	"go-callkit/internal/metrics"
	"go-callkit/internal/models"
	"go-callkit/internal/registry"
	"go-callkit/internal/replay"
)

// Session 是登录期内的信令装配体：连接 + 去重缓存 + 待补投缓冲 + 订阅注册表。
// 登录时创建，登出/换号时 Dispose。所有原始事件（连接回调与任何兜底注入）
// 都经同一个 Ingest 入口：先去重、再决定补投或分发，保证订阅者至多收到一次。
type Session struct {
	conn *Conn
	reg  *registry.Registry

	incomingDedup  *expiry.Set // incoming_call 去重
	cancelledDedup *expiry.Set // call_cancelled 去重，独立实例：cancel 不能被 incoming 的登记压掉
	pending        *replay.Buffer

	mu       sync.Mutex
	disposed bool
}

type SessionOptions struct {
	DedupTTL  time.Duration // 默认 8s
	ReplayTTL time.Duration // 默认 8s
}

func NewSession(conn *Conn, opts SessionOptions) *Session {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 8 * time.Second
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 8 * time.Second
	}
	s := &Session{
		conn:           conn,
		reg:            registry.New(),
		incomingDedup:  expiry.NewSet(opts.DedupTTL, 0),
		cancelledDedup: expiry.NewSet(opts.DedupTTL, 0),
		pending:        replay.NewBuffer(opts.ReplayTTL),
	}
	// 首个通话订阅者注册时同步补发暂存的来电
	s.reg.SetFirstCallsHook(func() {
		if ev, ok := s.pending.Take(); ok {
			metrics.ReplayDeliveredTotal.Inc()
			log.Printf("Signal replay: delivering buffered %s call=%s", ev.Kind, ev.CallID)
			s.reg.PublishCall(ev)
		}
	})
	if conn != nil {
		conn.SetHandler(s.Ingest)
	}
	return s
}

func (s *Session) Conn() *Conn { return s.conn }

func (s *Session) Registry() *registry.Registry { return s.reg }

// Send 透传上行动作。
func (s *Session) Send(action string, data interface{}) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.Send(action, data)
}

// Ingest 是唯一的事件入口。具体监听与通配兜底两条原始路径都汇到这里，
// “为保险监听两次”变成“冗余来源、单次分发”。
func (s *Session) Ingest(event string, data json.RawMessage) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch event {
	case models.EventIncomingCall, models.EventCallAccepted, models.EventCallRejected,
		models.EventCallCancelled, models.EventCallEnded, models.EventCallBusy:
		s.ingestCall(event, data)
	case "message":
		s.reg.PublishMessage(data)
	default:
		// 未知事件只记日志
		log.Printf("Signal ignoring event %q", event)
	}
}

func (s *Session) ingestCall(event string, data json.RawMessage) {
	var ev models.CallEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("Signal bad %s payload: %v", event, err)
		return
	}
	ev.Kind = event
	metrics.SignalEventsTotal.WithLabelValues(event).Inc()

	// 分发前去重：同一逻辑事件可能从两条路径各到一次
	switch event {
	case models.EventIncomingCall:
		if !s.incomingDedup.Admit(ev.CallID) {
			metrics.DedupDroppedTotal.WithLabelValues(event).Inc()
			log.Printf("Signal dedup drop: %s call=%s", event, ev.CallID)
			return
		}
	case models.EventCallCancelled:
		if !s.cancelledDedup.Admit(ev.CallID) {
			metrics.DedupDroppedTotal.WithLabelValues(event).Inc()
			log.Printf("Signal dedup drop: %s call=%s", event, ev.CallID)
			return
		}
	}

	// 来电且无人订阅：暂存，等首个订阅者注册时补发
	if event == models.EventIncomingCall && s.reg.CallSubscriberCount() == 0 {
		s.pending.Put(ev)
		log.Printf("Signal buffering %s call=%s (no subscriber)", event, ev.CallID)
		return
	}
	s.reg.PublishCall(ev)
}

// ReleaseCall 在通话达到终态（接听/拒接/结束）后清除该 id 的去重登记，
// 服务端复用 id 时下一通不会被误判为重复。
func (s *Session) ReleaseCall(callID string) {
	s.incomingDedup.Release(callID)
	s.cancelledDedup.Release(callID)
}

// Dispose 拆除会话：关连接、清订阅、停缓存。幂等。
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
	s.reg.Clear()
	s.pending.Clear()
	s.incomingDedup.Dispose()
	s.cancelledDedup.Dispose()
}
