package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "replay_events_replayed_total",
	Help: "The total number of historical events redispatched",
})
