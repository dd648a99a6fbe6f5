package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapinbox_webhook_requests_total",
		Help: "Webhook deliveries by response code.",
	}, []string{"code"})

	WebhookMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapinbox_webhook_messages_total",
		Help: "Message units seen in webhook deliveries by result (inserted, duplicate, skipped).",
	}, []string{"result"})

	OutboundSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapinbox_outbound_sends_total",
		Help: "Outbound sends by result.",
	}, []string{"result"})

	MirrorJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapinbox_mirror_jobs_total",
		Help: "Media mirror job outcomes.",
	}, []string{"result"})

	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zapinbox_realtime_subscribers",
		Help: "Open websocket change-feed subscriptions.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
