// Package metrics holds the prometheus instruments of the chat client core.
// A nil *Core is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahaj/connectify/pkg/model"
)

const namespace = "connectify"

type Core struct {
	registry *prometheus.Registry

	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	SendRejected      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	DroppedUpdates    prometheus.Counter
	Notifications     *prometheus.CounterVec
	ConnectionState   prometheus.Gauge
}

func New() *Core {
	c := &Core{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Chat messages emitted to the relay.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Chat messages appended from relay events.",
		}),
		SendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_rejected_total",
			Help:      "Local sends rejected before reaching the relay.",
		}, []string{"reason"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Websocket dial attempts, initial and reconnects.",
		}),
		DroppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_updates_total",
			Help:      "Log updates not delivered to a slow subscriber.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification side effects by kind.",
		}, []string{"kind"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
	}
	c.registry.MustRegister(
		c.MessagesSent,
		c.MessagesReceived,
		c.SendRejected,
		c.ReconnectAttempts,
		c.DroppedUpdates,
		c.Notifications,
		c.ConnectionState,
	)
	return c
}

func (c *Core) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Core) Sent() {
	if c != nil {
		c.MessagesSent.Inc()
	}
}

func (c *Core) Received() {
	if c != nil {
		c.MessagesReceived.Inc()
	}
}

func (c *Core) Rejected(reason string) {
	if c != nil {
		c.SendRejected.WithLabelValues(reason).Inc()
	}
}

func (c *Core) DialAttempt() {
	if c != nil {
		c.ReconnectAttempts.Inc()
	}
}

func (c *Core) DroppedUpdate() {
	if c != nil {
		c.DroppedUpdates.Inc()
	}
}

func (c *Core) Notified(kind string) {
	if c != nil {
		c.Notifications.WithLabelValues(kind).Inc()
	}
}

func (c *Core) State(s model.ConnectionState) {
	if c != nil {
		c.ConnectionState.Set(float64(s))
	}
}
