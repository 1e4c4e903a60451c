package config

import "time"

// RelayConfig holds runtime configuration for the relay service.
type RelayConfig struct {
	Environment        string
	Addr               string
	SocketSecret       string
	CITriggerURL       string
	CIToken            string
	BuildsDir          string
	MetricsInterval    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadRelayConfig constructs a RelayConfig from environment variables.
func LoadRelayConfig() RelayConfig {
	return RelayConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               ":" + GetString("PORT", "4000"),
		SocketSecret:       GetString("WS_SECRET", ""),
		CITriggerURL:       GetString("CI_TRIGGER_URL", "http://ci:5000/trigger"),
		CIToken:            GetString("GITHUB_TOKEN", ""),
		BuildsDir:          GetString("BUILDS_DIR", "./builds"),
		MetricsInterval:    time.Duration(GetInt("METRICS_INTERVAL_SECONDS", 5)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
