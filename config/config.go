package config

// Config is the complete runtime configuration loaded from one JSON file,
// with RESTREAM_* environment variables taking precedence.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Buffer    BufferConfig    `json:"buffer"`
	Reconnect ReconnectConfig `json:"reconnect"`
	StatePath string          `json:"state_path" env:"RESTREAM_STATE_PATH"`
}

type ServerConfig struct {
	Listen           string `json:"listen" env:"RESTREAM_LISTEN"`
	AuthTokenHash    string `json:"auth_token_hash" env:"RESTREAM_AUTH_TOKEN_HASH"`
	KeepaliveSeconds int    `json:"keepalive_seconds" env:"RESTREAM_KEEPALIVE_SECONDS"`
}

type BufferConfig struct {
	RetentionSeconds     int `json:"retention_seconds" env:"RESTREAM_RETENTION_SECONDS"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" env:"RESTREAM_SWEEP_INTERVAL_SECONDS"`
}

type ReconnectConfig struct {
	BaseURL     string `json:"base_url" env:"RESTREAM_BASE_URL"`
	MaxAttempts int    `json:"max_attempts" env:"RESTREAM_MAX_ATTEMPTS"`
}
