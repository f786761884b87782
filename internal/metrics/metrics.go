package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veranda_live_subscriptions",
		Help: "Number of currently registered thread subscriptions.",
	})

	FanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veranda_fanout_delivered_total",
		Help: "Messages delivered to live subscription handles.",
	})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veranda_fanout_dropped_total",
		Help: "Deliveries dropped because a handle was unreachable or full. Recovered by reconnect reconciliation.",
	})

	TypingExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veranda_typing_expired_total",
		Help: "Typing indicators cleared by expiry rather than an explicit stop.",
	})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veranda_alerts_fired_total",
		Help: "Notification side effects triggered for inbound messages.",
	})
)
