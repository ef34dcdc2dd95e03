package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitor_queue_size",
		Help: "Current size of each monitored queue",
	}, []string{"queue"})
	queueProcessingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitor_queue_processing_rate",
		Help: "Events per second drained from each monitored queue",
	}, []string{"queue"})
	queueErrorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitor_queue_error_rate",
		Help: "Fraction of failed processing attempts per monitored queue",
	}, []string{"queue"})
	alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_alerts_raised_total",
		Help: "The total number of queue alerts raised",
	}, []string{"level"})
)
