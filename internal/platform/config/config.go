package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Producer connection policies.
const (
	PolicyCoexist  = "coexist"
	PolicyDisplace = "displace"
	PolicyReject   = "reject"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	IngestAddr string `env:"INGEST_ADDR" default:"0.0.0.0:9766"`
	FanoutAddr string `env:"FANOUT_ADDR" default:"0.0.0.0:9767"`
	OpsAddr    string `env:"OPS_ADDR" default:":9768"`

	IngestMaxFrameBytes      int           `env:"INGEST_MAX_FRAME_BYTES" default:"67108864"`   // 64 MiB
	IngestMaxPayloadBytes    int           `env:"INGEST_MAX_PAYLOAD_BYTES" default:"268435456"` // 256 MiB
	IngestDecompressWorkers  int           `env:"INGEST_DECOMPRESS_WORKERS" default:"4"`
	IngestPipelineDepth      int           `env:"INGEST_PIPELINE_DEPTH" default:"16"`
	IngestStallTimeout       time.Duration `env:"INGEST_STALL_TIMEOUT" default:"0s"`
	IngestProducerPolicy     string        `env:"INGEST_PRODUCER_POLICY" default:"coexist"`
	FanoutMaxSubscribers     int           `env:"FANOUT_MAX_SUBSCRIBERS" default:"1000"`
	FanoutMaxPerIP           int           `env:"FANOUT_MAX_PER_IP" default:"100"`
	FanoutConnectRate        float64       `env:"FANOUT_CONNECT_RATE" default:"20"`
	FanoutConnectBurst       int           `env:"FANOUT_CONNECT_BURST" default:"40"`
	FanoutAllowedOriginsList string        `env:"FANOUT_ALLOWED_ORIGINS"`
	FanoutMaxQueuedBytes     int64         `env:"FANOUT_MAX_QUEUED_BYTES" default:"1073741824"` // 1 GiB
	FanoutTrustProxy         bool          `env:"FANOUT_TRUST_PROXY" default:"false"`

	BindAttempts int `env:"BIND_ATTEMPTS" default:"3"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FanoutAllowedOrigins returns the parsed origin allow-list. An empty list allows every origin.
func (c *Config) FanoutAllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.FanoutAllowedOriginsList, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	addrs := map[string]string{
		"INGEST_ADDR": cfg.IngestAddr,
		"FANOUT_ADDR": cfg.FanoutAddr,
	}
	if cfg.OpsAddr != "" {
		addrs["OPS_ADDR"] = cfg.OpsAddr
	}
	for name, addr := range addrs {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s must be host:port: %w", name, err)
		}
	}

	if cfg.IngestAddr == cfg.FanoutAddr {
		return errors.New("INGEST_ADDR and FANOUT_ADDR must differ")
	}

	switch cfg.IngestProducerPolicy {
	case PolicyCoexist, PolicyDisplace, PolicyReject:
	default:
		return fmt.Errorf("INGEST_PRODUCER_POLICY must be one of coexist, displace, reject, got %q", cfg.IngestProducerPolicy)
	}

	positive := map[string]int{
		"INGEST_DECOMPRESS_WORKERS": cfg.IngestDecompressWorkers,
		"INGEST_PIPELINE_DEPTH":     cfg.IngestPipelineDepth,
		"FANOUT_MAX_SUBSCRIBERS":    cfg.FanoutMaxSubscribers,
		"FANOUT_MAX_PER_IP":         cfg.FanoutMaxPerIP,
		"FANOUT_CONNECT_BURST":      cfg.FanoutConnectBurst,
		"BIND_ATTEMPTS":             cfg.BindAttempts,
	}
	for name, value := range positive {
		if value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, value)
		}
	}

	if cfg.IngestMaxFrameBytes < 0 || cfg.IngestMaxPayloadBytes < 0 {
		return errors.New("INGEST_MAX_FRAME_BYTES and INGEST_MAX_PAYLOAD_BYTES must not be negative")
	}
	if cfg.FanoutMaxQueuedBytes < 0 {
		return fmt.Errorf("FANOUT_MAX_QUEUED_BYTES must not be negative, got %d", cfg.FanoutMaxQueuedBytes)
	}
	if cfg.IngestStallTimeout < 0 {
		return errors.New("INGEST_STALL_TIMEOUT must not be negative")
	}
	if cfg.FanoutConnectRate <= 0 {
		return fmt.Errorf("FANOUT_CONNECT_RATE must be positive, got %v", cfg.FanoutConnectRate)
	}

	return nil
}
