package models

import "time"

// User/Call/CallEvent 等为核心领域模型。
// CallEvent 为信令事件的带标签联合：同一 callId 的事件可能重复、乱序到达
// （具体监听 + 通配兜底两条路径），消费方必须能独立解释每条事件。

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatarUrl"`
	Role      string    `json:"role"` // user, customer_service
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 主叫角色
const (
	RoleUser            = "user"
	RoleCustomerService = "customer_service"
)

// 通话状态（服务端视角）
const (
	CallStatusInitiated = "initiated" // 已发起
	CallStatusRinging   = "ringing"   // 响铃中
	CallStatusAnswered  = "answered"  // 已接听
	CallStatusEnded     = "ended"     // 已结束
	CallStatusRejected  = "rejected"  // 已拒接
	CallStatusCancelled = "cancelled" // 已取消
	CallStatusBusy      = "busy"      // 忙线
	CallStatusTimeout   = "timeout"   // 超时未接
	CallStatusMissed    = "missed"    // 未接来电
)

// 通话类型
const (
	CallTypeAudio = "audio" // 语音通话
	CallTypeVideo = "video" // 视频通话
)

// 信令事件名（下行）
const (
	EventIncomingCall  = "incoming_call"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventCallCancelled = "call_cancelled"
	EventCallEnded     = "call_ended"
	EventCallBusy      = "call_busy"
	EventPong          = "pong"
)

// 信令动作名（上行）
const (
	ActionInitiateCall = "initiate_call"
	ActionAcceptCall   = "accept_call"
	ActionRejectCall   = "reject_call"
	ActionCancelCall   = "cancel_call"
	ActionEndCall      = "end_call"
	ActionPing         = "ping"
)

// Call 为一次通话尝试（服务端缓存与落库共用）。
type Call struct {
	ID             string     `json:"id"`                // 通话 ID（每次尝试全局唯一，理论上可被服务端复用）
	CallerID       string     `json:"callerId"`          // 发起者
	CalleeID       string     `json:"calleeId"`          // 接收者
	ConversationID string     `json:"conversationId"`    // 所属会话
	CallerRole     string     `json:"callerRole"`        // user / customer_service
	Type           string     `json:"type"`              // audio/video
	Status         string     `json:"status"`            // 通话状态
	StartTime      time.Time  `json:"startTime"`         // 开始时间
	EndTime        *time.Time `json:"endTime,omitempty"` // 结束时间
	Duration       int64      `json:"duration"`          // 通话时长（秒）
}

// CallEvent 为下行信令事件载荷。Kind 取 Event* 常量；
// Caller* 字段仅 incoming_call 携带，其余事件只带 CallID（与来源方）。
type CallEvent struct {
	Kind           string `json:"kind"`
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId,omitempty"`
	CallerName     string `json:"callerName,omitempty"`
	CallerAvatar   string `json:"callerAvatar,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	CallerRole     string `json:"callerRole,omitempty"`
	CallType       string `json:"callType,omitempty"`
	EnderID        string `json:"enderId,omitempty"`
	TS             int64  `json:"ts,omitempty"`
}

// CallRecord 为落库的通话记录。
type CallRecord struct {
	ID             string     `json:"id"`
	CallID         string     `json:"callId"`
	CallerID       string     `json:"callerId"`
	CalleeID       string     `json:"calleeId"`
	ConversationID string     `json:"conversationId"`
	CallerRole     string     `json:"callerRole"`
	Type           string     `json:"type"`
	Status         string     `json:"status"` // 终态：ended/rejected/cancelled/timeout/missed
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Duration       int64      `json:"duration"`
	CreatedAt      time.Time  `json:"createdAt"`
}
