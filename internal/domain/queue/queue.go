package queue

import "time"

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

// Thresholds are the numeric boundaries a monitored queue is graded against.
type Thresholds struct {
	MaxSize           int64         `json:"max_size"`
	MaxAge            time.Duration `json:"max_age"`
	MinProcessingRate float64       `json:"min_processing_rate"`
	MaxErrorRate      float64       `json:"max_error_rate"`
	MaxProcessingTime time.Duration `json:"max_processing_time"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxSize:           1000,
		MaxAge:            5 * time.Minute,
		MinProcessingRate: 0.1,
		MaxErrorRate:      0.05,
		MaxProcessingTime: 5 * time.Second,
	}
}

// Health is the mutable per-queue record updated every health-check tick.
type Health struct {
	Name              string        `json:"name"`
	Size              int64         `json:"size"`
	ProcessingRate    float64       `json:"processing_rate"`
	ErrorRate         float64       `json:"error_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	OldestMessage     *time.Time    `json:"oldest_message,omitempty"`
	Status            HealthStatus  `json:"status"`
	Consumers         int           `json:"consumers"`
	LastChecked       time.Time     `json:"last_checked"`
}

// Metrics is the externally maintained per-queue throughput record the
// health check derives rates from.
type Metrics struct {
	ProcessingRate    float64       `json:"processing_rate"`
	ErrorRate         float64       `json:"error_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	OldestMessage     *time.Time    `json:"oldest_message,omitempty"`
	Consumers         int           `json:"consumers"`
}

// Alert is one entry of the append-only alert ring buffer.
type Alert struct {
	Queue     string     `json:"queue"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}
