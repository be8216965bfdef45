package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

type Config struct {
	AgentPort       string
	DeviceID        string
	RealtimeURL     string
	RealtimeAPIKey  string
	JWTSecret       string
	PresenceChannel string
	DatabaseURL     string
	RedisURL        string
	ProbeURL        string
	ProbeTimeout    time.Duration
	ProbeInterval   time.Duration
	LogLevel        string
	LogFormat       string
}

func LoadConfig() (*Config, error) {
	probeTimeout, err := getDuration("PROBE_TIMEOUT", "3s")
	if err != nil {
		return nil, err
	}
	probeInterval, err := getDuration("PROBE_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AgentPort:       getEnv("AGENT_PORT", "8787"),
		DeviceID:        os.Getenv("DEVICE_ID"),
		RealtimeURL:     os.Getenv("REALTIME_URL"),
		RealtimeAPIKey:  os.Getenv("REALTIME_API_KEY"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		PresenceChannel: getEnv("PRESENCE_CHANNEL", "presence:deliveries"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		ProbeURL:        os.Getenv("PROBE_URL"),
		ProbeTimeout:    probeTimeout,
		ProbeInterval:   probeInterval,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if cfg.DeviceID == "" {
		return nil, errors.New("DEVICE_ID is required")
	}
	if cfg.RealtimeURL == "" {
		return nil, errors.New("REALTIME_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.ProbeURL == "" {
		return nil, errors.New("PROBE_URL is required")
	}
	if cfg.ProbeTimeout <= 0 {
		return nil, errors.New("PROBE_TIMEOUT must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}
