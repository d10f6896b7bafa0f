package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-callkit/internal/metrics"
)

// 连接状态
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

// 连接质量：心跳超时只降级质量，不主动断连
const (
	QualityGood = "good"
	QualityPoor = "poor"
)

var ErrNotConnected = errors.New("signal: not connected")

// Frame 为下行帧；上行帧为 {action, data}。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

type pingPayload struct {
	TS int64 `json:"ts"`
}

// Conn 维护到信令网关的单条长连接：
// - Connect 按凭证幂等；凭证变化时拆掉重建
// - 断线自动重连：初始延迟小、指数增长、封顶（呼叫对时延敏感），
//   单次断线窗口内尝试次数有上限，超限后等待前台唤醒
// - 固定间隔心跳测 RTT；心跳丢失只降级 Quality
// - 订阅关系不在本层，断线重连不丢订阅
type Conn struct {
	mu         sync.Mutex
	serverURL  string
	credential string
	deviceID   string
	ws         *websocket.Conn
	status     string
	quality    string
	lastRTT    time.Duration
	gen        int // 连接代次，旧读协程据此自行退出
	attempts   int // 当前断线窗口内的重连尝试数
	closed     bool

	writeMu sync.Mutex // gorilla 连接不允许并发写

	reconnectMin time.Duration
	reconnectMax time.Duration
	heartbeat    time.Duration
	maxAttempts  int

	awaitingPong bool

	onEvent  func(event string, data json.RawMessage)
	onStatus func(status string)
}

type ConnOptions struct {
	ServerURL    string
	DeviceID     string
	ReconnectMin time.Duration // 默认 100ms
	ReconnectMax time.Duration // 默认 1s
	Heartbeat    time.Duration // 默认 15s
	MaxAttempts  int           // 单次断线窗口内重连上限，默认 20
}

func NewConn(opts ConnOptions) *Conn {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 100 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	return &Conn{
		serverURL:    opts.ServerURL,
		deviceID:     opts.DeviceID,
		status:       StatusDisconnected,
		quality:      QualityGood,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		heartbeat:    opts.Heartbeat,
		maxAttempts:  opts.MaxAttempts,
	}
}

// SetHandler 设置原始事件回调。回调在读协程上依序执行。
func (c *Conn) SetHandler(fn func(event string, data json.RawMessage)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Conn) SetStatusHandler(fn func(status string)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) Quality() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// LastRTT 返回最近一次心跳往返时延。
func (c *Conn) LastRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// Connect 建立连接。同凭证重复调用为空操作；换凭证先拆后建。
// 返回首次拨号的结果；拨号失败时后台重连仍会继续。
func (c *Conn) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signal: conn closed")
	}
	if c.credential == credential && c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.credential = credential
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx, gen); err != nil {
		go c.redialLoop(gen)
		return err
	}
	return nil
}

// NudgeForeground 前台唤醒：若已断连则立即重拨，不等退避计时器。
// 后台期间 OS 会挂起套接字，这是常态而非异常。
func (c *Conn) NudgeForeground() {
	c.mu.Lock()
	if c.closed || c.status != StatusDisconnected || c.credential == "" {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	log.Printf("Signal foreground nudge: redialing")
	if err := c.dial(context.Background(), gen); err != nil {
		go c.redialLoop(gen)
	}
}

// Send 发送上行动作帧。未连接时立即报错，不排队重试。
func (c *Conn) Send(action string, data interface{}) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(outFrame{Action: action, Data: data})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, b)
}

// Close 终止连接并停止重连。幂等。
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
}

func (c *Conn) dial(ctx context.Context, gen int) error {
	c.mu.Lock()
	cred := c.credential
	c.mu.Unlock()

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", cred)
	if c.deviceID != "" {
		q.Set("deviceId", c.deviceID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Printf("Signal dial failed: %v", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		// 期间发生过换代/关闭，丢弃这条连接
		c.mu.Unlock()
		_ = ws.Close()
		return errors.New("signal: stale dial")
	}
	c.ws = ws
	c.attempts = 0
	c.awaitingPong = false
	c.quality = QualityGood
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	log.Printf("Signal connected")
	go c.readLoop(ws, gen)
	go c.heartbeatLoop(ws, gen)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onReadClosed(ws, gen, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		if f.Event == "pong" {
			c.onPong(f.Data)
			continue
		}
		c.mu.Lock()
		fn := c.onEvent
		c.mu.Unlock()
		if fn != nil {
			fn(f.Event, f.Data)
		}
	}
}

func (c *Conn) onReadClosed(ws *websocket.Conn, gen int, err error) {
	_ = ws.Close()
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	log.Printf("Signal disconnected: %v", err)
	go c.redialLoop(gen)
}

// redialLoop 在同一代次内按退避节奏重拨，直至成功、换代或超出尝试上限。
func (c *Conn) redialLoop(gen int) {
	delay := c.reconnectMin
	for {
		c.mu.Lock()
		if c.gen != gen || c.closed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		if c.attempts > c.maxAttempts {
			// 放弃本窗口，等前台唤醒
			c.setStatusLocked(StatusDisconnected)
			c.mu.Unlock()
			log.Printf("Signal reconnect giving up after %d attempts", c.maxAttempts)
			return
		}
		c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()

		time.Sleep(delay)
		metrics.ReconnectsTotal.Inc()
		if err := c.dial(context.Background(), gen); err == nil {
			return
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *Conn) heartbeatLoop(ws *websocket.Conn, gen int) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for range t.C {
		c.mu.Lock()
		if c.gen != gen || c.closed || c.ws != ws {
			c.mu.Unlock()
			return
		}
		if c.awaitingPong {
			// 上一拍没回，降级质量但不断连
			c.quality = QualityPoor
		}
		c.awaitingPong = true
		c.mu.Unlock()

		if err := c.Send("ping", pingPayload{TS: time.Now().UnixMilli()}); err != nil {
			return
		}
	}
}

func (c *Conn) onPong(data json.RawMessage) {
	var p pingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TS == 0 {
		return
	}
	rtt := time.Duration(time.Now().UnixMilli()-p.TS) * time.Millisecond
	if rtt < 0 {
		rtt = 0
	}
	metrics.HeartbeatLatency.Observe(float64(rtt.Milliseconds()))
	c.mu.Lock()
	c.lastRTT = rtt
	c.awaitingPong = false
	c.quality = QualityGood
	c.mu.Unlock()
}

// 调用方须持有 c.mu
func (c *Conn) setStatusLocked(s string) {
	if c.status == s {
		return
	}
	c.status = s
	if c.onStatus != nil {
		fn := c.onStatus
		go fn(s)
	}
}
