package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_events_dispatched_total",
		Help: "The total number of events dispatched",
	})
	channelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_channel_failures_total",
		Help: "The total number of delivery channel failures",
	}, []string{"channel"})
	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_dead_lettered_total",
		Help: "The total number of events pushed to the dead-letter list",
	})
)
