package config

import (
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 8444,
			Bind: "loopback",
		},
		TTS: TTSConfig{
			Generator:         "tts",
			GeneratorArgs:     []string{"--stdout", "--response-format", "wav"},
			FallbackGenerator: "espeak-ng",
			Player:            "paplay",
			Voice:             "sage",
			Style:             "neutral",
			Model:             "gpt-4o-mini-tts",
			Speed:             1.0,
			Workers:           4,
		},
		Session: SessionConfig{
			StaleAfterSeconds: 300,
			HistoryCap:        200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyDefaults fills zero-valued fields after unmarshalling.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.TTS.Generator == "" {
		cfg.TTS.Generator = def.TTS.Generator
		if cfg.TTS.GeneratorArgs == nil {
			cfg.TTS.GeneratorArgs = def.TTS.GeneratorArgs
		}
	}
	if cfg.TTS.Player == "" {
		cfg.TTS.Player = def.TTS.Player
	}
	if cfg.TTS.Voice == "" {
		cfg.TTS.Voice = def.TTS.Voice
	}
	if cfg.TTS.Style == "" {
		cfg.TTS.Style = def.TTS.Style
	}
	if cfg.TTS.Model == "" {
		cfg.TTS.Model = def.TTS.Model
	}
	if cfg.TTS.Speed == 0 {
		cfg.TTS.Speed = def.TTS.Speed
	}
	if cfg.TTS.Workers == 0 {
		cfg.TTS.Workers = def.TTS.Workers
	}
	if cfg.Session.StaleAfterSeconds == 0 {
		cfg.Session.StaleAfterSeconds = def.Session.StaleAfterSeconds
	}
	if cfg.Session.HistoryCap == 0 {
		cfg.Session.HistoryCap = def.Session.HistoryCap
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// applyEnvOverrides applies IO_MCP_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IO_MCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("IO_MCP_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("IO_MCP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IO_MCP_TTS_DISABLED"); v == "1" || v == "true" {
		cfg.TTS.Disabled = true
	}
}

// expandSensitiveFields processes environment variable references in
// credential fields so tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}
