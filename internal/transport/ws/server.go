// Package ws 提供 WebSocket 接入网关：处理认证、连接生命周期、上行通话动作
// 与下行分发（通过 Redis Pub/Sub）。
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-callkit/internal/auth"
	"go-callkit/internal/cache"
	"go-callkit/internal/metrics"
	"go-callkit/internal/models"
	"go-callkit/internal/ratelimit"
	"go-callkit/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 是 WebSocket 信令网关。
// - 注入通话服务 CallSvc 完成状态变更与对端投递
// - 基于 Redis 令牌桶对发起通话做速率限制，防止呼叫轰炸
// - 每个连接使用单独的写锁，避免并发写触发 gorilla/websocket 冲突
type Server struct {
	JWTSecret string
	CallSvc   *services.CallService

	// 速率限制参数（发起通话）
	InitiateQPS   int
	InitiateBurst int
	Limiter       *ratelimit.TokenBucketLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage 统一封装上行的动作与数据载荷。
// action 示例：initiate_call、accept_call、reject_call、cancel_call、end_call、ping
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// InitiatePayload 发起通话载荷。callId 由客户端生成，便于端上先行建状态。
type InitiatePayload struct {
	CallID         string `json:"callId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"` // audio/video
}

// CallRefPayload 其余通话控制动作的载荷。
type CallRefPayload struct {
	CallID string `json:"callId"`
}

type PingPayload struct {
	TS int64 `json:"ts"`
}

// Handle 处理 HTTP 升级为 WebSocket，以及该连接的读/写循环。
// - 认证：支持 URL 查询参数或 Authorization: Bearer 传递 JWT
// - 上线/下线：多设备在线集合，连接退出自动下线
// - 下行：订阅个人投递通道，将 Redis 消息写回客户端
func (s *Server) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = "app-" + time.Now().Format("150405.000")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	userID := claims.UserID
	log.Printf("WS connected: user=%s device=%s", userID, deviceID)
	_ = cache.SetDeviceOnline(ctx, userID, deviceID)
	defer func() {
		cache.SetDeviceOffline(context.Background(), userID, deviceID)
		log.Printf("WS disconnected: user=%s device=%s", userID, deviceID)
	}()

	// 每个连接的写锁，序列化所有写操作，避免 concurrent write
	writeMu := &sync.Mutex{}

	// 订阅个人下发通道
	sub := cache.Client().Subscribe(ctx, cache.DeliverChannel(userID))
	defer sub.Close()

	// 读循环：处理客户端上行动作
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("WS read error: user=%s err=%v", userID, err)
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			var m WSMessage
			if err := json.Unmarshal(data, &m); err != nil {
				log.Printf("WS unmarshal error: user=%s err=%v data=%q", userID, err, string(data))
				continue
			}
			metrics.WSActionsTotal.WithLabelValues(m.Action).Inc()
			s.handleInbound(ctx, userID, deviceID, conn, writeMu, &m)
		}
	}()

	// 写循环：将 Redis 收到的消息发给客户端
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			log.Printf("WS redis receive error: user=%s err=%v", userID, err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
		writeMu.Unlock()
		if err != nil {
			log.Printf("WS write error: user=%s err=%v", userID, err)
			return
		}
	}
}

// rateLimitAllow 使用 Redis 令牌桶对用户+设备维度的发起通话做限速。
// - 默认 QPS=2，突发=5，可通过配置调整
// - 出错时当前实现放行
func (s *Server) rateLimitAllow(ctx context.Context, userID, deviceID string) bool {
	qps := s.InitiateQPS
	burst := s.InitiateBurst
	if qps <= 0 {
		qps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	if s.Limiter == nil {
		return true
	}
	allowed, _, _ := s.Limiter.Allow(ctx, "callkit:tb:ws:initiate:"+userID+":"+deviceID, qps, burst)
	return allowed
}

func writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, b)
	writeMu.Unlock()
}

func writeErrorCode(conn *websocket.Conn, writeMu *sync.Mutex, code, message string) {
	writeJSON(conn, writeMu, gin.H{"event": "error", "data": gin.H{"code": code, "message": message}})
}

// handleInbound 处理上行动作，入口统一在这里分发：
// - initiate_call：限流 → 忙线检查 → 建状态 → 给被叫投 incoming_call
// - accept_call / reject_call / cancel_call / end_call：状态变更 → 给对端投事件
// - ping：原样回 pong（客户端据此测 RTT）
func (s *Server) handleInbound(ctx context.Context, userID, deviceID string, conn *websocket.Conn, writeMu *sync.Mutex, m *WSMessage) {
	switch m.Action {
	case models.ActionInitiateCall:
		if !s.rateLimitAllow(ctx, userID, deviceID) {
			writeErrorCode(conn, writeMu, "RATE_LIMIT", "too many call attempts")
			log.Printf("WS initiate blocked by rate limit: user=%s device=%s", userID, deviceID)
			return
		}
		var p InitiatePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		call, err := s.CallSvc.Initiate(ctx, &services.InitiateRequest{
			CallerID:       userID,
			CalleeID:       p.RecipientID,
			CallID:         p.CallID,
			ConversationID: p.ConversationID,
			CallType:       p.CallType,
		})
		if err != nil {
			// 忙线已经由服务下发 call_busy，这里统一再回一条错误便于端上提示
			writeErrorCode(conn, writeMu, "CALL_FAILED", err.Error())
			return
		}
		writeJSON(conn, writeMu, gin.H{"event": "call_initiated", "data": call})
	case models.ActionAcceptCall:
		var p CallRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		call, err := s.CallSvc.Accept(ctx, p.CallID, userID)
		if err != nil {
			writeErrorCode(conn, writeMu, "CALL_ACCEPT_FAILED", err.Error())
			return
		}
		writeJSON(conn, writeMu, gin.H{"event": models.EventCallAccepted, "data": gin.H{"callId": call.ID}})
	case models.ActionRejectCall:
		var p CallRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if _, err := s.CallSvc.Reject(ctx, p.CallID, userID); err != nil {
			log.Printf("WS reject failed: user=%s call=%s err=%v", userID, p.CallID, err)
		}
	case models.ActionCancelCall:
		var p CallRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if _, err := s.CallSvc.Cancel(ctx, p.CallID, userID); err != nil {
			log.Printf("WS cancel failed: user=%s call=%s err=%v", userID, p.CallID, err)
		}
	case models.ActionEndCall:
		var p CallRefPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		if _, err := s.CallSvc.End(ctx, p.CallID, userID); err != nil {
			log.Printf("WS end failed: user=%s call=%s err=%v", userID, p.CallID, err)
		}
	case models.ActionPing:
		var p PingPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return
		}
		writeJSON(conn, writeMu, gin.H{"event": models.EventPong, "data": p})
	default:
		log.Printf("WS unknown action: user=%s action=%s", userID, m.Action)
	}
}
