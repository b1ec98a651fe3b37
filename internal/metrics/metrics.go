package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_conns",
		Help: "Current authenticated websocket connections.",
	})

	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_relayed_total",
		Help: "Total private messages accepted and persisted.",
	})
	DeliveriesOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_offline_total",
		Help: "Total messages whose recipient had no live connection.",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Total malformed or invalid inbound frames dropped.",
	})
	LoginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_login_failures_total",
		Help: "Total login attempts rejected by the account directory.",
	})

	Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Total online-users broadcasts sent.",
	})

	MessagesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_swept_total",
		Help: "Total message rows removed by the retention sweep.",
	})
	StorageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_storage_failures_total",
		Help: "Total message store read/write failures.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns,
		MessagesRelayed, DeliveriesOffline, FramesDropped, LoginFailures,
		Broadcasts,
		MessagesSwept, StorageFailures,
	)
}
