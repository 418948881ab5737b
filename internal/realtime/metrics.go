package realtime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics は通知ハブのPrometheusメトリクス。サーバーごとにレジストリを持つ。
type metrics struct {
	registry      *prometheus.Registry
	auth          *prometheus.CounterVec
	push          *prometheus.CounterVec
	reaped        prometheus.Counter
	framesDropped *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		auth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "auth_total",
			Help:      "Total number of WebSocket authentication attempts.",
		}, []string{"result"}),
		push: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "push_total",
			Help:      "Total number of notification deliveries per socket.",
		}, []string{"result"}),
		reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "reaped_total",
			Help:      "Total number of connections terminated by the heartbeat.",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames ignored by the hub.",
		}, []string{"reason"}),
	}
}

// observe は接続数と接続ユーザー数をハブから読むゲージを登録する。
func (m *metrics) observe(h *Hub) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "connections",
		Help:      "Number of live WebSocket connections.",
	}, func() float64 { return float64(h.Connections()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "connected_users",
		Help:      "Number of users with at least one authenticated connection.",
	}, func() float64 { return float64(h.ConnectedUsers()) })
}

// handler は/metricsのハンドラを返す。
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
