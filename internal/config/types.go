package config

import "time"

// Config represents the complete formbroker configuration.
type Config struct {
	Service      ServiceConfig    `yaml:"service"`
	State        StateConfig      `yaml:"state"`
	Quota        QuotaConfig      `yaml:"quota"`
	Dispatch     DispatchConfig   `yaml:"dispatch"`
	Connection   ConnectionConfig `yaml:"connection"`
	Cache        CacheConfig      `yaml:"cache"`
	Refresh      RefreshConfig    `yaml:"refresh"`
	ProvidersDir string           `yaml:"providers_dir"`
	Renderer     RendererConfig   `yaml:"renderer"`
	API          APIConfig        `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	DeviceID     string        `yaml:"device_id"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QuotaConfig holds the form count ceilings. A ceiling is exclusive: with a
// ceiling of N at most N-1 forms are admitted.
type QuotaConfig struct {
	MaxFormsPerUser   int `yaml:"max_forms_per_user"`
	MaxTempForms      int `yaml:"max_temp_forms"`
	MaxFormsPerClient int `yaml:"max_forms_per_client"`
}

// DispatchConfig tunes the outbound task dispatcher.
type DispatchConfig struct {
	// TaskDelay is added to every posted task. Zero is allowed.
	TaskDelay *time.Duration `yaml:"task_delay,omitempty"`
}

// ConnectionConfig tunes provider connections and one-shot waits.
type ConnectionConfig struct {
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	AwaitTimeout    time.Duration `yaml:"await_timeout"`
	StopGrace       time.Duration `yaml:"stop_grace"`
}

// CacheConfig sizes the content cache.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// RefreshConfig tunes scheduled refreshes.
type RefreshConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Jitter      time.Duration `yaml:"jitter,omitempty"`
	MaxAttempts int           `yaml:"max_attempts"`
	Retention   time.Duration `yaml:"retention"`
}

// RendererConfig locates the shared renderer process.
type RendererConfig struct {
	Entrypoint string   `yaml:"entrypoint"`
	Args       []string `yaml:"args,omitempty"`
}

// APIConfig defines HTTP API server settings. APIKey is the bearer token
// required on every route except /healthz.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// TaskDelayOrDefault returns the configured dispatch delay.
func (c DispatchConfig) TaskDelayOrDefault() time.Duration {
	if c.TaskDelay == nil {
		return DefaultTaskDelay
	}
	return *c.TaskDelay
}

// DefaultTaskDelay is the delay added to every dispatched task when unset.
const DefaultTaskDelay = 20 * time.Millisecond

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "formbroker",
			DeviceID:     "local",
			TickInterval: 60 * time.Second,
			LogLevel:     "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Quota: QuotaConfig{
			MaxFormsPerUser:   512,
			MaxTempForms:      256,
			MaxFormsPerClient: 256,
		},
		Connection: ConnectionConfig{
			DisconnectGrace: 500 * time.Millisecond,
			AwaitTimeout:    3 * time.Second,
			StopGrace:       2 * time.Second,
		},
		Cache: CacheConfig{
			Size: 1024,
		},
		Refresh: RefreshConfig{
			MinInterval: 30 * time.Minute,
			Jitter:      30 * time.Second,
			MaxAttempts: 3,
			Retention:   7 * 24 * time.Hour,
		},
		ProvidersDir: "./providers",
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
