// Package config provides configuration management for the GOPP pool prover.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config holds the global configuration for the prover daemon
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pool connection
	PoolAddrs     []string
	PayoutAddress string
	WorkerName    string
	Network       string

	// Worker slots
	CPUWorkers int
	GPUDevices []int

	// Session tuning
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	MaxFrameSize     int

	// Reconnect backoff
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	// Proving
	ProofRounds      int
	ResultBuffer     int
	DeviceRetryDelay time.Duration

	// Reporting
	ReportInterval time.Duration

	// Telemetry sinks (each optional; empty value disables the sink)
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	RedisURL     string
	KafkaBrokers []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "gopp"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Pool defaults
		PoolAddrs:     getEnvSlice("POOL_ADDRS", nil),
		PayoutAddress: getEnv("PAYOUT_ADDRESS", ""),
		WorkerName:    getEnv("WORKER_NAME", ""),
		Network:       getEnv("NETWORK", "mainnet"),

		// Slot defaults
		CPUWorkers: getEnvInt("CPU_WORKERS", defaultCPUWorkers()),
		GPUDevices: getEnvIntSlice("GPU_DEVICES", nil),

		// Session defaults
		DialTimeout:      getEnvDuration("DIAL_TIMEOUT", 5*time.Second),
		HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		WriteTimeout:     getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		PingInterval:     getEnvDuration("PING_INTERVAL", 15*time.Second),
		IdleTimeout:      getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		MaxFrameSize:     getEnvInt("MAX_FRAME_SIZE", 1<<20),

		// Backoff defaults
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:        getEnvDuration("BACKOFF_MAX", 30*time.Second),
		BackoffMultiplier: getEnvFloat("BACKOFF_MULTIPLIER", 2.0),

		// Proving defaults
		ProofRounds:      getEnvInt("PROOF_ROUNDS", 256),
		ResultBuffer:     getEnvInt("RESULT_BUFFER", 1024),
		DeviceRetryDelay: getEnvDuration("DEVICE_RETRY_DELAY", 3*time.Second),

		// Reporting defaults
		ReportInterval: getEnvDuration("REPORT_INTERVAL", 60*time.Second),

		// Telemetry defaults
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "gopp"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "proving"),
		RedisURL:     getEnv("REDIS_URL", ""),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.WorkerName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.WorkerName = host
		} else {
			cfg.WorkerName = "worker"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ChainParams returns the chain parameters for the configured network
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// SlotCount returns the total number of configured worker slots
func (c *Config) SlotCount() int {
	return c.CPUWorkers + len(c.GPUDevices)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if len(c.PoolAddrs) == 0 {
		return fmt.Errorf("POOL_ADDRS must list at least one pool endpoint")
	}

	for _, addr := range c.PoolAddrs {
		if !strings.Contains(addr, ":") {
			return fmt.Errorf("pool endpoint %q must be host:port", addr)
		}
	}

	if c.PayoutAddress == "" {
		return fmt.Errorf("PAYOUT_ADDRESS is required")
	}

	params, err := c.ChainParams()
	if err != nil {
		return err
	}

	if _, err := btcutil.DecodeAddress(c.PayoutAddress, params); err != nil {
		return fmt.Errorf("PAYOUT_ADDRESS is not a valid %s address: %w", c.Network, err)
	}

	if c.CPUWorkers < 0 {
		return fmt.Errorf("CPU_WORKERS cannot be negative")
	}

	seen := make(map[int]bool)
	for _, dev := range c.GPUDevices {
		if dev < 0 {
			return fmt.Errorf("GPU device index %d cannot be negative", dev)
		}
		if seen[dev] {
			return fmt.Errorf("GPU device index %d listed twice", dev)
		}
		seen[dev] = true
	}

	if c.SlotCount() == 0 {
		return fmt.Errorf("no worker slots configured: set CPU_WORKERS or GPU_DEVICES")
	}

	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MAX_FRAME_SIZE must be positive")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive")
	}

	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_MAX must be at least BACKOFF_BASE")
	}

	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("BACKOFF_MULTIPLIER must be at least 1.0")
	}

	if c.PingInterval <= 0 || c.IdleTimeout <= c.PingInterval {
		return fmt.Errorf("IDLE_TIMEOUT must be greater than PING_INTERVAL")
	}

	if c.ResultBuffer <= 0 {
		return fmt.Errorf("RESULT_BUFFER must be positive")
	}

	return nil
}

func defaultCPUWorkers() int {
	// Leave one core for the dispatcher and the OS.
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parsed, err := strconv.Atoi(p)
			if err != nil {
				return defaultValue
			}
			out = append(out, parsed)
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
