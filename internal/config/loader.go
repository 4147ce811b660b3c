package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted
// when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Relative directories resolve against the config file.
	base := filepath.Dir(absPath)
	cfg.ProvidersDir = resolvePath(base, cfg.ProvidersDir)
	cfg.State.Path = resolvePath(base, cfg.State.Path)
	if cfg.Renderer.Entrypoint != "" {
		cfg.Renderer.Entrypoint = resolvePath(base, cfg.Renderer.Entrypoint)
	}

	return cfg, nil
}

// DiscoverConfig finds the config file by checking standard locations:
// $FORMBROKER_CONFIG, ~/.config/formbroker/config.yaml, /etc/formbroker/config.yaml,
// then ./config.yaml.
func DiscoverConfig() (string, error) {
	if p := os.Getenv("FORMBROKER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{"/etc/formbroker/config.yaml", "./config.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append([]string{filepath.Join(homeDir, ".config", "formbroker", "config.yaml")}, candidates...)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $FORMBROKER_CONFIG, ~/.config/formbroker, /etc/formbroker, ./config.yaml)")
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// verifyConfigHash checks path against a .checksums manifest in the same
// directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: formbroker config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: formbroker config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.DeviceID == "" {
		cfg.Service.DeviceID = defaults.Service.DeviceID
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Quota.MaxFormsPerUser == 0 {
		cfg.Quota.MaxFormsPerUser = defaults.Quota.MaxFormsPerUser
	}
	if cfg.Quota.MaxTempForms == 0 {
		cfg.Quota.MaxTempForms = defaults.Quota.MaxTempForms
	}
	if cfg.Quota.MaxFormsPerClient == 0 {
		cfg.Quota.MaxFormsPerClient = defaults.Quota.MaxFormsPerClient
	}

	if cfg.Connection.DisconnectGrace == 0 {
		cfg.Connection.DisconnectGrace = defaults.Connection.DisconnectGrace
	}
	if cfg.Connection.AwaitTimeout == 0 {
		cfg.Connection.AwaitTimeout = defaults.Connection.AwaitTimeout
	}
	if cfg.Connection.StopGrace == 0 {
		cfg.Connection.StopGrace = defaults.Connection.StopGrace
	}

	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = defaults.Cache.Size
	}

	if cfg.Refresh.MinInterval == 0 {
		cfg.Refresh.MinInterval = defaults.Refresh.MinInterval
	}
	if cfg.Refresh.MaxAttempts == 0 {
		cfg.Refresh.MaxAttempts = defaults.Refresh.MaxAttempts
	}
	if cfg.Refresh.Retention == 0 {
		cfg.Refresh.Retention = defaults.Refresh.Retention
	}

	if cfg.ProvidersDir == "" {
		cfg.ProvidersDir = defaults.ProvidersDir
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Quota.MaxFormsPerUser < 1 || cfg.Quota.MaxTempForms < 1 || cfg.Quota.MaxFormsPerClient < 1 {
		return fmt.Errorf("quota ceilings must be positive")
	}

	if cfg.Dispatch.TaskDelay != nil && *cfg.Dispatch.TaskDelay < 0 {
		return fmt.Errorf("dispatch.task_delay must not be negative")
	}

	if cfg.Connection.DisconnectGrace < 0 {
		return fmt.Errorf("connection.disconnect_grace must not be negative")
	}
	if cfg.Connection.AwaitTimeout <= 0 {
		return fmt.Errorf("connection.await_timeout must be positive")
	}

	if cfg.Cache.Size < 1 {
		return fmt.Errorf("cache.size must be positive")
	}

	if cfg.Refresh.MinInterval <= 0 {
		return fmt.Errorf("refresh.min_interval must be positive")
	}
	if cfg.Refresh.MaxAttempts < 1 {
		return fmt.Errorf("refresh.max_attempts must be at least 1")
	}

	if cfg.ProvidersDir == "" {
		return fmt.Errorf("providers_dir is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey)
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	if envVarPattern.MatchString(cfg.Service.DeviceID) {
		matches := envVarPattern.FindStringSubmatch(cfg.Service.DeviceID)
		return fmt.Errorf("service.device_id: environment variable ${%s} is not set", matches[1])
	}

	return nil
}
