package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App     App     `yaml:"app"`
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`
	Redis   Redis   `yaml:"redis"`
	Kafka   Kafka   `yaml:"kafka"`
	Monitor Monitor `yaml:"monitor"`
	Events  Events  `yaml:"events"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"eventpipe"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"events"`
}

type Monitor struct {
	HealthInterval  time.Duration `yaml:"health_interval" env:"MONITOR_HEALTH_INTERVAL" env-default:"10s"`
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"MONITOR_METRICS_INTERVAL" env-default:"60s"`
	ReportInterval  time.Duration `yaml:"report_interval" env:"MONITOR_REPORT_INTERVAL" env-default:"1h"`
}

type Events struct {
	DelayedInterval time.Duration `yaml:"delayed_interval" env:"EVENTS_DELAYED_INTERVAL" env-default:"5s"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
