package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"go-callkit/internal/cache"
	"go-callkit/internal/models"
	"go-callkit/internal/mq"
	"go-callkit/internal/store"
)

var ErrCalleeBusy = errors.New("callee is busy")

// CallService 管理通话生命周期与信令下发：
// - 通话状态存 Redis（30 分钟 TTL），忙线标记存较短 TTL，异常时状态自动清理
// - 下行事件经各用户投递通道 Pub/Sub 发出，网关写回客户端
// - 终态事件（结束/拒接/取消/超时/未接）投 Kafka，由消费组落库
type CallService struct {
	Users       *store.UserStore
	Producer    *mq.KafkaProducer
	RingTimeout time.Duration // 服务端振铃超时，默认 60s
}

func NewCallService(users *store.UserStore, producer *mq.KafkaProducer, ringTimeout time.Duration) *CallService {
	if ringTimeout <= 0 {
		ringTimeout = 60 * time.Second
	}
	return &CallService{Users: users, Producer: producer, RingTimeout: ringTimeout}
}

// InitiateRequest 为发起通话的入参（callId 由客户端生成，缺省时服务端补）。
type InitiateRequest struct {
	CallerID       string
	CalleeID       string
	CallID         string
	ConversationID string
	CallType       string
}

// Initiate 发起通话：忙线检查 → 写状态 → 给被叫投 incoming_call。
// 被叫忙线时给主叫回 call_busy，并记一条未接记录。
func (s *CallService) Initiate(ctx context.Context, req *InitiateRequest) (*models.Call, error) {
	// 被叫忙线检查
	if existing, err := cache.Client().Get(ctx, cache.BusyKey(req.CalleeID)).Result(); err == nil && existing != "" {
		call := s.newCall(req)
		call.Status = models.CallStatusBusy
		s.deliver(ctx, req.CallerID, models.CallEvent{Kind: models.EventCallBusy, CallID: call.ID, TS: time.Now().UnixMilli()})
		s.emitTerminal(call, models.CallStatusMissed)
		log.Printf("Call initiate busy: call=%s callee=%s", call.ID, req.CalleeID)
		return nil, ErrCalleeBusy
	}
	// 主叫自身占线同样拒绝
	if existing, err := cache.Client().Get(ctx, cache.BusyKey(req.CallerID)).Result(); err == nil && existing != "" {
		return nil, ErrCalleeBusy
	}

	call := s.newCall(req)
	call.Status = models.CallStatusRinging
	if err := s.saveCall(ctx, call, 30*time.Minute); err != nil {
		return nil, err
	}
	// 忙线标记 TTL 较短，防止异常情况下状态不清理
	cache.Client().Set(ctx, cache.BusyKey(call.CallerID), call.ID, 5*time.Minute)
	cache.Client().Set(ctx, cache.BusyKey(call.CalleeID), call.ID, 5*time.Minute)

	ev := models.CallEvent{
		Kind:           models.EventIncomingCall,
		CallID:         call.ID,
		CallerID:       call.CallerID,
		ConversationID: call.ConversationID,
		CallerRole:     call.CallerRole,
		CallType:       call.Type,
		TS:             time.Now().UnixMilli(),
	}
	// 主叫资料用于来电界面展示，查不到不阻塞信令
	if s.Users != nil {
		if u, err := s.Users.GetByID(ctx, call.CallerID); err == nil && u != nil {
			ev.CallerName = u.Nickname
			ev.CallerAvatar = u.AvatarURL
			ev.CallerRole = u.Role
		}
	}
	s.deliver(ctx, call.CalleeID, ev)
	s.scheduleRingTimeout(call.ID)
	log.Printf("Call initiated: call=%s caller=%s callee=%s type=%s", call.ID, call.CallerID, call.CalleeID, call.Type)
	return call, nil
}

// Accept 接听：仅被叫可接，振铃态才可接。
func (s *CallService) Accept(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != userID {
		return nil, fmt.Errorf("unauthorized to answer this call")
	}
	if call.Status != models.CallStatusInitiated && call.Status != models.CallStatusRinging {
		return nil, fmt.Errorf("call cannot be answered in current status: %s", call.Status)
	}
	call.Status = models.CallStatusAnswered
	call.StartTime = time.Now()
	if err := s.saveCall(ctx, call, 30*time.Minute); err != nil {
		return nil, err
	}
	s.deliver(ctx, call.CallerID, models.CallEvent{Kind: models.EventCallAccepted, CallID: call.ID, TS: time.Now().UnixMilli()})
	log.Printf("Call accepted: call=%s", call.ID)
	return call, nil
}

// Reject 拒接：仅被叫可拒。
func (s *CallService) Reject(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != userID {
		return nil, fmt.Errorf("unauthorized to reject this call")
	}
	s.finishCall(ctx, call, models.CallStatusRejected)
	s.deliver(ctx, call.CallerID, models.CallEvent{Kind: models.EventCallRejected, CallID: call.ID, TS: time.Now().UnixMilli()})
	log.Printf("Call rejected: call=%s", call.ID)
	return call, nil
}

// Cancel 撤回：仅主叫可撤，接通前有效。
func (s *CallService) Cancel(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CallerID != userID {
		return nil, fmt.Errorf("unauthorized to cancel this call")
	}
	if call.Status == models.CallStatusAnswered {
		return nil, fmt.Errorf("call already answered")
	}
	s.finishCall(ctx, call, models.CallStatusCancelled)
	s.deliver(ctx, call.CalleeID, models.CallEvent{Kind: models.EventCallCancelled, CallID: call.ID, TS: time.Now().UnixMilli()})
	log.Printf("Call cancelled: call=%s", call.ID)
	return call, nil
}

// End 挂断：任一方可挂，对端收到 call_ended。
func (s *CallService) End(ctx context.Context, callID, userID string) (*models.Call, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CallerID != userID && call.CalleeID != userID {
		return nil, fmt.Errorf("unauthorized to end this call")
	}
	answered := call.Status == models.CallStatusAnswered
	s.finishCall(ctx, call, models.CallStatusEnded)
	if answered {
		call.Duration = int64(call.EndTime.Sub(call.StartTime).Seconds())
		s.saveCall(ctx, call, 5*time.Minute)
	}
	other := call.CallerID
	if other == userID {
		other = call.CalleeID
	}
	s.deliver(ctx, other, models.CallEvent{Kind: models.EventCallEnded, CallID: call.ID, EnderID: userID, TS: time.Now().UnixMilli()})
	log.Printf("Call ended: call=%s by=%s duration=%ds", call.ID, userID, call.Duration)
	return call, nil
}

// GetCall 读取通话状态。
func (s *CallService) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	data, err := cache.Client().Get(ctx, cache.CallKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("call not found: %s", callID)
	}
	var call models.Call
	if err := json.Unmarshal([]byte(data), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetUserCurrentCall 查用户当前通话。
func (s *CallService) GetUserCurrentCall(ctx context.Context, userID string) (*models.Call, error) {
	callID, err := cache.Client().Get(ctx, cache.BusyKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("user has no active call")
	}
	return s.GetCall(ctx, callID)
}

func (s *CallService) newCall(req *InitiateRequest) *models.Call {
	id := req.CallID
	if id == "" {
		id = uuid.NewString()
	}
	role := models.RoleUser
	return &models.Call{
		ID:             id,
		CallerID:       req.CallerID,
		CalleeID:       req.CalleeID,
		ConversationID: req.ConversationID,
		CallerRole:     role,
		Type:           req.CallType,
		Status:         models.CallStatusInitiated,
		StartTime:      time.Now(),
	}
}

func (s *CallService) saveCall(ctx context.Context, call *models.Call, ttl time.Duration) error {
	b, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return cache.Client().Set(ctx, cache.CallKey(call.ID), b, ttl).Err()
}

// finishCall 置终态、清忙线标记、投 Kafka 终态事件。
func (s *CallService) finishCall(ctx context.Context, call *models.Call, status string) {
	now := time.Now()
	call.Status = status
	call.EndTime = &now
	s.saveCall(ctx, call, 5*time.Minute) // 短期保存
	cache.Client().Del(ctx, cache.BusyKey(call.CallerID))
	cache.Client().Del(ctx, cache.BusyKey(call.CalleeID))
	s.emitTerminal(call, status)
}

// scheduleRingTimeout 服务端振铃超时：到点仍未接听则按超时收尾，
// 给被叫撤铃、给主叫回 call_ended。独立于客户端 30s 超时。
func (s *CallService) scheduleRingTimeout(callID string) {
	time.AfterFunc(s.RingTimeout, func() {
		ctx := context.Background()
		call, err := s.GetCall(ctx, callID)
		if err != nil {
			return
		}
		if call.Status != models.CallStatusInitiated && call.Status != models.CallStatusRinging {
			return
		}
		s.finishCall(ctx, call, models.CallStatusTimeout)
		s.deliver(ctx, call.CalleeID, models.CallEvent{Kind: models.EventCallCancelled, CallID: call.ID, TS: time.Now().UnixMilli()})
		s.deliver(ctx, call.CallerID, models.CallEvent{Kind: models.EventCallEnded, CallID: call.ID, TS: time.Now().UnixMilli()})
		log.Printf("Call ring timeout: call=%s", call.ID)
	})
}

// deliver 把下行事件发布到用户投递通道，网关写回该用户全部设备。
func (s *CallService) deliver(ctx context.Context, userID string, ev models.CallEvent) {
	b, err := json.Marshal(map[string]interface{}{"event": ev.Kind, "data": ev})
	if err != nil {
		return
	}
	if err := cache.Client().Publish(ctx, cache.DeliverChannel(userID), b).Err(); err != nil {
		log.Printf("Call deliver publish error: to=%s err=%v", userID, err)
	}
}

// emitTerminal 投递终态通话记录到消息队列。
func (s *CallService) emitTerminal(call *models.Call, status string) {
	if s.Producer == nil {
		return
	}
	rec := models.CallRecord{
		ID:             uuid.NewString(),
		CallID:         call.ID,
		CallerID:       call.CallerID,
		CalleeID:       call.CalleeID,
		ConversationID: call.ConversationID,
		CallerRole:     call.CallerRole,
		Type:           call.Type,
		Status:         status,
		StartTime:      call.StartTime,
		EndTime:        call.EndTime,
		Duration:       call.Duration,
		CreatedAt:      time.Now(),
	}
	b, err := json.Marshal(&rec)
	if err != nil {
		return
	}
	s.Producer.Publish(b, []byte(call.ID))
}
