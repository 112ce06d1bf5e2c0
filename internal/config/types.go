// Package config loads and validates the io-mcp broker configuration.
package config

// Config is the root configuration for the io-mcp broker.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
	TTS       TTSConfig       `yaml:"tts,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Presenter PresenterConfig `yaml:"presenter,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Hooks     HooksConfig     `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the broker HTTP server (agent WS + frontend REST/SSE).
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures frontend/agent authentication.
type GatewayAuth struct {
	Mode  string `yaml:"mode,omitempty"` // "token" | "none"
	Token string `yaml:"token,omitempty"`
}

// TTSConfig controls the speech engine.
type TTSConfig struct {
	// Generator is the external synthesis CLI invoked as:
	//   <generator> <text> [generatorArgs...] with WAV on stdout.
	Generator     string   `yaml:"generator,omitempty"`
	GeneratorArgs []string `yaml:"generatorArgs,omitempty"`

	// FallbackGenerator is a local offline synthesiser (e.g. espeak-ng)
	// used when the primary generator fails. Empty disables fallback.
	FallbackGenerator string `yaml:"fallbackGenerator,omitempty"`

	// Player plays a WAV file given as its sole argument (e.g. paplay, aplay).
	Player string `yaml:"player,omitempty"`

	Voice string  `yaml:"voice,omitempty"`
	Style string  `yaml:"style,omitempty"`
	Model string  `yaml:"model,omitempty"`
	Speed float64 `yaml:"speed,omitempty"`

	// CacheDir overrides the default artifact cache directory.
	CacheDir string `yaml:"cacheDir,omitempty"`

	// Workers sizes the subprocess worker pool.
	Workers int `yaml:"workers,omitempty"`

	// Disabled turns all audio off; speech items resolve immediately.
	Disabled bool `yaml:"disabled,omitempty"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	// StaleAfterSeconds is how long a session may be inactive before it is
	// considered stale. Stale sessions with empty inboxes are pruned.
	StaleAfterSeconds int `yaml:"staleAfterSeconds,omitempty"`

	// HistoryCap bounds the per-session resolved-item history.
	HistoryCap int `yaml:"historyCap,omitempty"`
}

// PresenterConfig controls the terminal UI.
type PresenterConfig struct {
	// SpeakOnScroll is parsed from the config file but not consulted: the
	// presenter reads the highlighted option label aloud on every scroll.
	SpeakOnScroll *bool `yaml:"speakOnScroll,omitempty"`

	// ExtraOptions are appended to every choices presentation.
	ExtraOptions []ExtraOption `yaml:"extraOptions,omitempty"`
}

// ExtraOption is an operator-configured option appended to all presentations.
type ExtraOption struct {
	Label   string `yaml:"label"`
	Summary string `yaml:"summary,omitempty"`
	Silent  bool   `yaml:"silent,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// HooksConfig maps lifecycle event names to shell commands.
type HooksConfig struct {
	// Commands maps an event name (session_created, session_removed,
	// broker_start, broker_stop, pulse_down, pulse_recovered) to a shell
	// command run with the event payload as IO_MCP_EVENT_* env vars.
	Commands map[string]string `yaml:"commands,omitempty"`
}

// ConfigError is returned for malformed configuration files or paths.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }
