package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	TCPAddr    string `yaml:"tcpAddr"` // 可选：行分隔事件旁路监听地址
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 通话记录存储选择：mysql 或 mongodb（本地默认 mysql）
	RecordDB string `yaml:"recordDB"`

	// Kafka 配置（可选）
	KafkaBrokers        string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaCallEventTopic string `yaml:"kafkaCallEventTopic"`

	// 速率限制（发起通话）
	CallInitiateQPS   int `yaml:"callInitiateQPS"`
	CallInitiateBurst int `yaml:"callInitiateBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`

	// 信令去重/重放/超时（经验值，可按部署调整；三者需互相一致且可测）
	DedupTTLMS        int `yaml:"dedupTTLMS"`        // 去重缓存 TTL（默认 8000ms）
	ReplayTTLMS       int `yaml:"replayTTLMS"`       // 待补投事件 TTL（默认 8000ms）
	RingTimeoutMS     int `yaml:"ringTimeoutMS"`     // 客户端主叫振铃超时（默认 30000ms）
	ServerRingTimeout int `yaml:"serverRingTimeout"` // 服务端振铃超时秒数（默认 60）

	// 客户端重连/心跳
	ReconnectMinMS      int `yaml:"reconnectMinMS"`      // 首次重连延迟（默认 100ms）
	ReconnectMaxMS      int `yaml:"reconnectMaxMS"`      // 重连延迟上限（默认 1000ms，呼叫对时延敏感）
	HeartbeatIntervalMS int `yaml:"heartbeatIntervalMS"` // 心跳间隔（默认 15000ms）
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		RedisPass:  "",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/callkit?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/callkit",
		JWTSecret:  "change-me-in-prod",

		RecordDB: "mysql",

		KafkaBrokers:        "",
		KafkaCallEventTopic: "callkit-call-events",

		CallInitiateQPS:   2,
		CallInitiateBurst: 5,
		EnableMetrics:     true,

		DedupTTLMS:        8000,
		ReplayTTLMS:       8000,
		RingTimeoutMS:     30000,
		ServerRingTimeout: 60,

		ReconnectMinMS:      100,
		ReconnectMaxMS:      1000,
		HeartbeatIntervalMS: 15000,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("CALLKIT_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("CALLKIT_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("CALLKIT_TCP_ADDR", &cfg.TCPAddr)
	setStr("CALLKIT_REDIS_ADDR", &cfg.RedisAddr)
	setStr("CALLKIT_REDIS_PASS", &cfg.RedisPass)
	setInt("CALLKIT_REDIS_DB", &cfg.RedisDB)
	setStr("CALLKIT_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("CALLKIT_MONGO_URI", &cfg.MongoURI)
	setStr("CALLKIT_JWT_SECRET", &cfg.JWTSecret)

	setStr("CALLKIT_RECORD_DB", &cfg.RecordDB)

	setStr("CALLKIT_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("CALLKIT_KAFKA_CALL_EVENT_TOPIC", &cfg.KafkaCallEventTopic)

	setInt("CALLKIT_CALL_INITIATE_QPS", &cfg.CallInitiateQPS)
	setInt("CALLKIT_CALL_INITIATE_BURST", &cfg.CallInitiateBurst)
	setBool("CALLKIT_ENABLE_METRICS", &cfg.EnableMetrics)

	setInt("CALLKIT_DEDUP_TTL_MS", &cfg.DedupTTLMS)
	setInt("CALLKIT_REPLAY_TTL_MS", &cfg.ReplayTTLMS)
	setInt("CALLKIT_RING_TIMEOUT_MS", &cfg.RingTimeoutMS)
	setInt("CALLKIT_SERVER_RING_TIMEOUT", &cfg.ServerRingTimeout)

	setInt("CALLKIT_RECONNECT_MIN_MS", &cfg.ReconnectMinMS)
	setInt("CALLKIT_RECONNECT_MAX_MS", &cfg.ReconnectMaxMS)
	setInt("CALLKIT_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMS)
}

// 时长访问器，统一毫秒换算
func (c *Config) DedupTTL() time.Duration  { return time.Duration(c.DedupTTLMS) * time.Millisecond }
func (c *Config) ReplayTTL() time.Duration { return time.Duration(c.ReplayTTLMS) * time.Millisecond }
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutMS) * time.Millisecond
}
func (c *Config) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinMS) * time.Millisecond
}
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
