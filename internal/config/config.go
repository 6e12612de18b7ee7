package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"    validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth"        validate:"required"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"   validate:"required"`
	Providers   ProvidersConfig   `mapstructure:"providers"   validate:"required"`
	Stream      StreamConfig      `mapstructure:"stream"      validate:"required"`
	Permissions PermissionsConfig `mapstructure:"permissions" validate:"required"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	// AllowedOrigins are host patterns accepted on WebSocket upgrades in
	// addition to the request's own host.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the process registry backend.
// Driver "postgres" expects a postgres:// URL, driver "sqlite" a file path or DSN.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=postgres sqlite"`
	URL             string        `mapstructure:"url"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// AuthConfig contains all authentication settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// TokenLifetime is only used by the developer token command.
	TokenLifetime time.Duration  `mapstructure:"token_lifetime" validate:"gte=0"`
	APIKeys       []APIKeyConfig `mapstructure:"api_keys"       validate:"dive"`
}

// APIKeyConfig binds a bcrypt-hashed static key to a principal and role.
type APIKeyConfig struct {
	Principal string `mapstructure:"principal" validate:"required"`
	Role      string `mapstructure:"role"      validate:"required"`
	Hash      string `mapstructure:"hash"      validate:"required"`
}

// SchedulerConfig configures task admission, retry and cancellation.
type SchedulerConfig struct {
	Categories         []CategoryConfig `mapstructure:"categories"           validate:"required,min=1,dive"`
	DefaultMaxAttempts int              `mapstructure:"default_max_attempts" validate:"required,gt=0"`
	Retry              RetryConfig      `mapstructure:"retry"                validate:"required"`
	CancelGrace        time.Duration    `mapstructure:"cancel_grace"         validate:"gt=0"`
}

// CategoryConfig describes one task category.
type CategoryConfig struct {
	Name     string `mapstructure:"name"     validate:"required"`
	Ceiling  int    `mapstructure:"ceiling"  validate:"required,gt=0"`
	Backlog  int    `mapstructure:"backlog"  validate:"required,gt=0"`
	Executor string `mapstructure:"executor" validate:"required,oneof=command analysis"`
}

// RetryConfig holds the backoff parameters: delay = min(base * multiplier^attempt, max_delay).
type RetryConfig struct {
	Base       time.Duration `mapstructure:"base"       validate:"gt=0"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxDelay   time.Duration `mapstructure:"max_delay"  validate:"gtefield=Base"`
}

// ProvidersConfig configures the analysis backend chain.
type ProvidersConfig struct {
	Backends             []BackendConfig `mapstructure:"backends"              validate:"dive"`
	UnavailableThreshold int             `mapstructure:"unavailable_threshold" validate:"required,gt=0"`
	HealthInterval       time.Duration   `mapstructure:"health_interval"       validate:"gt=0"`
	StatsWindow          int             `mapstructure:"stats_window"          validate:"required,gt=0"`
	LocalPatterns        bool            `mapstructure:"local_patterns"`
	DefaultTimeout       time.Duration   `mapstructure:"default_timeout"       validate:"gt=0"`
}

// BackendConfig describes one network-backed provider.
type BackendConfig struct {
	ID       string        `mapstructure:"id"       validate:"required"`
	Kind     string        `mapstructure:"kind"     validate:"required,oneof=gemini ollama"`
	Rank     int           `mapstructure:"rank"     validate:"gt=0"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"    validate:"required"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"  validate:"gt=0"`
	Enabled  bool          `mapstructure:"enabled"`
}

// StreamConfig configures per-task event retention and subscriber buffering.
type StreamConfig struct {
	RetainedSize     int           `mapstructure:"retained_size"     validate:"required,gt=0"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" validate:"required,gt=0"`
	RetentionGrace   time.Duration `mapstructure:"retention_grace"   validate:"gt=0"`
	JanitorInterval  time.Duration `mapstructure:"janitor_interval"  validate:"gt=0"`
}

// PermissionsConfig holds the role table, either inline or from a YAML policy file.
// A non-empty PolicyFile takes precedence over inline roles.
type PermissionsConfig struct {
	PolicyFile  string       `mapstructure:"policy_file"`
	GlobalRate  float64      `mapstructure:"global_rate"  validate:"gt=0"`
	GlobalBurst int          `mapstructure:"global_burst" validate:"gt=0"`
	Roles       []RoleConfig `mapstructure:"roles"        validate:"dive"`
}

// RoleConfig grants capabilities and a request budget to a role.
type RoleConfig struct {
	Name         string        `mapstructure:"name"         yaml:"name"         validate:"required"`
	Capabilities []string      `mapstructure:"capabilities" yaml:"capabilities"`
	RateLimit    int           `mapstructure:"rate_limit"   yaml:"rate_limit"   validate:"gte=0"`
	RateWindow   time.Duration `mapstructure:"rate_window"  yaml:"rate_window"  validate:"gte=0"`
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Category returns the configuration for the named category.
func (c SchedulerConfig) Category(name string) (CategoryConfig, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return CategoryConfig{}, false
}
