package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callkit_ws_actions_total", Help: "WS上行动作数"},
		[]string{"action"},
	)
	SignalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callkit_signal_events_total", Help: "客户端收到的信令事件数"},
		[]string{"kind"},
	)
	DedupDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callkit_dedup_dropped_total", Help: "被去重缓存丢弃的重复事件数"},
		[]string{"kind"},
	)
	ReplayDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "callkit_replay_delivered_total", Help: "经待补投缓冲补发的事件数"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "callkit_reconnects_total", Help: "客户端重连次数"},
	)
	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "callkit_heartbeat_latency_ms", Help: "心跳往返时延", Buckets: prometheus.LinearBuckets(5, 10, 20)},
	)
	CallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "callkit_call_duration_seconds", Help: "通话时长", Buckets: prometheus.ExponentialBuckets(5, 2, 10)},
	)
)

func Init() {
	prometheus.MustRegister(WSActionsTotal)
	prometheus.MustRegister(SignalEventsTotal)
	prometheus.MustRegister(DedupDroppedTotal)
	prometheus.MustRegister(ReplayDeliveredTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(HeartbeatLatency)
	prometheus.MustRegister(CallDuration)
}
