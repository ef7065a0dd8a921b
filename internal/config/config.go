package config

import "time"

// Config is the root caravel configuration.
type Config struct {
	// Server holds the gateway server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Session holds the session store settings
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Policy holds the policy document settings
	Policy PolicyConfig `json:"policy" mapstructure:"policy"`

	// Kernel holds the execution kernel settings
	Kernel KernelConfig `json:"kernel" mapstructure:"kernel"`

	// AI holds the generation provider settings
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Docker holds the container toolchain settings
	Docker DockerConfig `json:"docker" mapstructure:"docker"`

	// Kube holds the cluster toolchain settings
	Kube KubeConfig `json:"kube" mapstructure:"kube"`

	// Logging holds the logging settings
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// DataDir is the base directory for runtime state
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Token        string `json:"token" mapstructure:"token"`
	TickInterval string `json:"tick_interval" mapstructure:"tick_interval"` // health broadcast interval, e.g. "30s"
}

// SessionConfig configures the session store.
type SessionConfig struct {
	Backend    string        `json:"backend" mapstructure:"backend"` // memory, sqlite
	SQLitePath string        `json:"sqlite_path" mapstructure:"sqlite_path"`
	Janitor    JanitorConfig `json:"janitor" mapstructure:"janitor"`
}

// JanitorConfig configures expired-session cleanup.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
	MaxAge   string `json:"max_age" mapstructure:"max_age"`   // e.g. "24h"
}

// PolicyConfig configures the policy document provider.
type PolicyConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// KernelConfig configures the execution kernel.
type KernelConfig struct {
	MaxRetries       int    `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay       string `json:"retry_delay" mapstructure:"retry_delay"`
	MaxTokens        int    `json:"max_tokens" mapstructure:"max_tokens"`
	MaxExecutionTime string `json:"max_execution_time" mapstructure:"max_execution_time"`
}

// AIConfig configures generation providers.
type AIConfig struct {
	Provider        string `json:"provider" mapstructure:"provider"` // anthropic, openai, none
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
	Model           string `json:"model" mapstructure:"model"`
	FallbackModel   string `json:"fallback_model" mapstructure:"fallback_model"`
}

// DockerConfig configures the image toolchain.
type DockerConfig struct {
	Binary      string `json:"binary" mapstructure:"binary"`
	TrivyBinary string `json:"trivy_binary" mapstructure:"trivy_binary"`
	Timeout     string `json:"timeout" mapstructure:"timeout"`
}

// KubeConfig configures the cluster toolchain.
type KubeConfig struct {
	Binary     string `json:"binary" mapstructure:"binary"`
	Kubeconfig string `json:"kubeconfig" mapstructure:"kubeconfig"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8420,
			TickInterval: "30s",
		},
		Session: SessionConfig{
			Backend: "memory",
			Janitor: JanitorConfig{
				Enabled:  false,
				Schedule: "*/15 * * * *",
				MaxAge:   "24h",
			},
		},
		Policy: PolicyConfig{
			Watch: true,
		},
		Kernel: KernelConfig{
			MaxRetries:       2,
			RetryDelay:       "1s",
			MaxTokens:        8192,
			MaxExecutionTime: "10m",
		},
		AI: AIConfig{
			Provider: "anthropic",
		},
		Docker: DockerConfig{
			Binary:      "docker",
			TrivyBinary: "trivy",
			Timeout:     "10m",
		},
		Kube: KubeConfig{
			Binary: "kubectl",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// TickIntervalDuration parses the server tick interval, falling back to 30s.
func (s ServerConfig) TickIntervalDuration() time.Duration {
	return parseDuration(s.TickInterval, 30*time.Second)
}

// RetryDelayDuration parses the kernel retry delay, falling back to 1s.
func (k KernelConfig) RetryDelayDuration() time.Duration {
	return parseDuration(k.RetryDelay, time.Second)
}

// MaxExecutionDuration parses the kernel execution deadline, falling back to 10m.
func (k KernelConfig) MaxExecutionDuration() time.Duration {
	return parseDuration(k.MaxExecutionTime, 10*time.Minute)
}

// TimeoutDuration parses the docker command timeout, falling back to 10m.
func (d DockerConfig) TimeoutDuration() time.Duration {
	return parseDuration(d.Timeout, 10*time.Minute)
}

// MaxAgeDuration parses the janitor max age, falling back to 24h.
func (j JanitorConfig) MaxAgeDuration() time.Duration {
	return parseDuration(j.MaxAge, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
