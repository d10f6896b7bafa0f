package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go-callkit/internal/auth"
	"go-callkit/internal/cache"
	"go-callkit/internal/config"
	"go-callkit/internal/metrics"
	"go-callkit/internal/models"
	"go-callkit/internal/mq"
	"go-callkit/internal/ratelimit"
	"go-callkit/internal/services"
	"go-callkit/internal/store"
	"go-callkit/internal/store/mongostore"
	"go-callkit/internal/store/sqlstore"
	"go-callkit/internal/transport/tcp"
	"go-callkit/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

// 解析查询参数为整数
func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	value, _ := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(defaultValue)))
	return value
}

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	primaryDB := mustOpen(cfg.MySQLDSN)
	userStore := store.NewUserStore(primaryDB)

	// 根据配置选择通话记录存储：mysql 或 mongodb
	var recordStore store.CallRecordStore
	switch cfg.RecordDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		recordStore = store.NewMongoCallRecordStore(mongoDB)
	default: // mysql
		recordStore = store.NewSQLCallRecordStore(primaryDB)
	}

	var producer *mq.KafkaProducer
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaCallEventTopic)
		if err == nil {
			producer = p
		}
		defer func() {
			if producer != nil {
				_ = producer.Close()
			}
		}()
	}

	callSvc := services.NewCallService(userStore, producer, time.Duration(cfg.ServerRingTimeout)*time.Second)

	r := gin.Default()
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 注册
	r.POST("/api/register", func(c *gin.Context) {
		var req struct{ Username, Password, Nickname, Role string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		role := req.Role
		if role != models.RoleCustomerService {
			role = models.RoleUser
		}
		h, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		u := &models.User{ID: uuid.NewString(), Username: req.Username, Password: string(h), Nickname: req.Nickname, Role: role}
		if err := userStore.CreateUser(c, u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"id": u.ID})
	})
	// 登录
	r.POST("/api/login", func(c *gin.Context) {
		var req struct{ Username, Password string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByUsername(c, req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, _ := auth.SignJWT(cfg.JWTSecret, u.ID, 7*24*time.Hour)
		c.JSON(200, gin.H{"token": tok, "userId": u.ID, "role": u.Role})
	})

	// 简易认证
	authn := func(c *gin.Context) (string, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return cl.UserID, true
	}

	// 用户资料（来电界面头像/昵称解析用）
	r.GET("/api/users/:id", func(c *gin.Context) {
		_, ok := authn(c)
		if !ok {
			return
		}
		u, err := userStore.GetByID(c, c.Param("id"))
		if err != nil || u == nil {
			c.JSON(404, gin.H{"error": "user not found"})
			return
		}
		c.JSON(200, gin.H{"id": u.ID, "nickname": u.Nickname, "avatarUrl": u.AvatarURL, "role": u.Role})
	})
	r.PUT("/api/users/me", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct{ Nickname, AvatarURL string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u := &models.User{ID: uid, Nickname: req.Nickname, AvatarURL: req.AvatarURL}
		if err := userStore.UpdateUser(c, u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	// 客服列表（用户端发起咨询通话时选择被叫）
	r.GET("/api/support/agents", func(c *gin.Context) {
		_, ok := authn(c)
		if !ok {
			return
		}
		agents, err := userStore.ListByRole(c, models.RoleCustomerService, parseIntQuery(c, "limit", 20))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		resp := make([]gin.H, 0, len(agents))
		for _, u := range agents {
			online := cache.Client().SIsMember(c, cache.OnlineUsersKey(), u.ID).Val()
			resp = append(resp, gin.H{"id": u.ID, "nickname": u.Nickname, "avatarUrl": u.AvatarURL, "online": online})
		}
		c.JSON(200, gin.H{"agents": resp})
	})

	// 通话记录
	r.GET("/api/calls/history", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		limit := parseIntQuery(c, "limit", 50)
		offset := parseIntQuery(c, "offset", 0)
		records, err := recordStore.ListByUser(c, uid, offset, limit)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"records": records})
	})
	// 当前通话（重启后对账崩溃恢复快照用）
	r.GET("/api/calls/current", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		call, err := callSvc.GetUserCurrentCall(c, uid)
		if err != nil {
			c.JSON(404, gin.H{"error": "no active call"})
			return
		}
		c.JSON(200, call)
	})

	// 设备
	r.GET("/api/users/me/devices", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		devices, err := cache.OnlineDevices(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		count, _ := cache.OnlineDeviceCount(c, uid)
		c.JSON(200, gin.H{"devices": devices, "count": count})
	})

	// WebSocket 信令网关
	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())
	wsServer := &ws.Server{
		JWTSecret:     cfg.JWTSecret,
		CallSvc:       callSvc,
		InitiateQPS:   cfg.CallInitiateQPS,
		InitiateBurst: cfg.CallInitiateBurst,
		Limiter:       limiter,
	}
	r.GET("/ws", wsServer.Handle)

	// TCP 事件旁路（可选）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go (&tcp.Server{Addr: cfg.TCPAddr, JWTSecret: cfg.JWTSecret}).Start(ctx)

	_ = r.Run(cfg.ListenAddr)
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
