package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// published counts events accepted by Publish.
	published = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "bus_published_total",
		Help: "The total number of events published",
	}, []string{"bus"})

	// deliveries counts events pushed into subscription buffers.
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "bus_deliveries_total",
		Help: "The total number of events delivered to subscriptions",
	}, []string{"bus"})

	// activeSubscriptions tracks live subscriptions.
	activeSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "bus_subscriptions",
		Help: "The number of live subscriptions",
	}, []string{"bus"})
)
