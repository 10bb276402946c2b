//nolint:lll // struct tags can't be split
package diceolotl

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix            = "DICE_ENV_PREFIX"
	DefaultEnvPrefix              = "DICE"
	DefaultDatabaseType           = dbTypeSQLite
	DefaultDatabase               = "diceolotl.sqlite3"
	DefaultDatabasePort           = 5432
	DefaultDatabaseSSLMode        = "disable"
	DefaultDatabaseMaxConns       = 20
	DefaultDatabaseIdleTimeout    = 30 * time.Second
	DefaultDatabaseConnectTimeout = 2 * time.Second
	DefaultDatabaseSlowThreshold  = 200 * time.Millisecond
	DefaultDatabaseLogLevel       = slog.LevelWarn
	DefaultLogLevel               = slog.LevelInfo
	DefaultStartupTimeout         = 30 * time.Second
	DefaultShutdownTimeout        = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates
	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultDiscordActivity   = "with dice rolling adventures"

	DefaultModulesDir      = "modules"
	DefaultCommandsPath    = "commands"
	DefaultEventsPath      = "events"
	DefaultModulesLogLevel = slog.LevelInfo

	DefaultAPIEnabled           = true
	DefaultAPIListen            = "127.0.0.1:5000"
	DefaultAPILogLevel          = slog.LevelInfo
	DefaultReadTimeout          = 5 * time.Second
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultIdleTimeout          = 30 * time.Second
	DefaultStartupLogFile       = "logs/startup.log"
	DefaultStartupLogMaxSizeMB  = 10
	DefaultStartupLogMaxBackups = 5
	DefaultStartupLogMaxAgeDays = 30
	DefaultStartupLogLevel      = slog.LevelInfo

	DefaultUserSyncRequestsPerSecond = 2.0
	DefaultUserSyncConcurrency       = 2
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// RunMode selects how command and event modules are loaded.
type RunMode string

const (
	// RunModeDevelopment reads YAML manifests fresh on every load
	RunModeDevelopment RunMode = "development"

	// RunModeProduction reads built JSON manifests, caching them after
	// the first load
	RunModeProduction RunMode = "production"
)

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect, load its modules and register commands.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow in-flight interactions to finish
	// before the bot exits anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Database *DatabaseConfig `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Modules *ModulesConfig `yaml:"modules" mapstructure:"modules" json:"modules" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	StartupLog *StartupLogConfig `yaml:"startup_log" mapstructure:"startup_log" json:"startup_log" binding:"required"`

	UserSync *UserSyncConfig `yaml:"user_sync" mapstructure:"user_sync" json:"user_sync" binding:"required"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DatabaseConfig configures the connection to either PostgreSQL or SQLite.
// For PostgreSQL, either DSN or the individual Host/Port/Name/User/Password
// fields may be used. For SQLite, DSN is the database file path.
type DatabaseConfig struct {
	// Type is 'sqlite' or 'postgres'
	Type string `yaml:"type" mapstructure:"type" json:"type" binding:"oneof=sqlite postgres"`

	// DSN is a full connection string (postgres) or file path (sqlite)
	DSN string `yaml:"dsn" mapstructure:"dsn" json:"dsn" log:"[redacted]"`

	Host     string `yaml:"host" mapstructure:"host" json:"host"`
	Port     int    `yaml:"port" mapstructure:"port" json:"port" binding:"min=0,max=65535"`
	Name     string `yaml:"name" mapstructure:"name" json:"name"`
	User     string `yaml:"user" mapstructure:"user" json:"user"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode" json:"sslmode"`

	// MaxConns caps the number of open connections in the pool
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns" json:"max_conns" binding:"min=1"`

	// IdleTimeout is how long a connection may sit idle before it's closed
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// ConnectTimeout is how long to wait when establishing a connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// SlowThreshold is the duration threshold for identifying slow queries
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold" json:"slow_threshold"`

	// Init runs migrations and seeds sample items when the bot starts
	Init bool `yaml:"init" mapstructure:"init" json:"init"`
}

// ConnectionString returns the DSN to hand to the gorm driver. When DSN
// isn't set and the database is postgres, one is built from the
// individual connection fields.
func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" || c.Type != dbTypePostgres {
		if c.DSN == "" {
			return DefaultDatabase
		}
		return c.DSN
	}

	parts := []string{}
	add := func(k, v string) {
		if v == "" {
			return
		}
		if strings.ContainsAny(v, " '\\") {
			v = "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	add("host", c.Host)
	if c.Port > 0 {
		add("port", fmt.Sprintf("%d", c.Port))
	}
	add("dbname", c.Name)
	add("user", c.User)
	add("password", c.Password)
	add("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		add("connect_timeout", fmt.Sprintf("%d", secs))
	}
	return strings.Join(parts, " ")
}

// redactedConnectionString returns ConnectionString with any password
// removed, for logging.
func (c DatabaseConfig) redactedConnectionString() string {
	if c.Type != dbTypePostgres {
		return c.ConnectionString()
	}
	if c.DSN != "" {
		if u, err := url.Parse(c.DSN); err == nil && u.User != nil {
			return u.Redacted()
		}
		return "[redacted]"
	}
	redacted := c
	if redacted.Password != "" {
		redacted.Password = "xxxxx"
	}
	return redacted.ConnectionString()
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global. When set, and
	// [ModulesConfig.Mode] is empty, the bot runs in development mode.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Activity is the 'Playing ...' status set once the bot is ready
	Activity string `yaml:"activity" mapstructure:"activity" json:"activity"`
}

// ModulesConfig configures where command and event manifests are read from.
type ModulesConfig struct {
	// Mode is 'development' or 'production'. If empty, the mode is
	// development when [DiscordConfig.GuildID] is set, production otherwise.
	Mode RunMode `yaml:"mode" mapstructure:"mode" json:"mode" binding:"omitempty,oneof=development production"`

	// Dir is the module root on disk. In production, if Dir is empty,
	// the manifests embedded in the binary are used.
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir"`

	// CommandsPath is the command directory, relative to Dir
	CommandsPath string `yaml:"commands_path" mapstructure:"commands_path" json:"commands_path" binding:"required"`

	// EventsPath is the event directory, relative to Dir
	EventsPath string `yaml:"events_path" mapstructure:"events_path" json:"events_path" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the health/admin HTTP server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// If true, pprof-style debug routes and verbose gin logging are enabled
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// StartupLogConfig configures the file that startup diagnostics are
// written to, in addition to stdout.
type StartupLogConfig struct {
	// File is the log file path. Leave empty to log startup to stdout only.
	File       string `yaml:"file" mapstructure:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" json:"max_size_mb" binding:"min=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups" binding:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" json:"max_age_days" binding:"min=0"`

	// LogLevel applies to startup diagnostics only, independent of the
	// main log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// UserSyncConfig paces member fetches during a full user sync
type UserSyncConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"min=1"`
}

// Validate checks the config against its `binding` constraints
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// RunMode returns the effective module loading mode
func (c *Config) RunMode() RunMode {
	if c.Modules != nil && c.Modules.Mode != "" {
		return c.Modules.Mode
	}
	if c.Discord != nil && c.Discord.GuildID != "" {
		return RunModeDevelopment
	}
	return RunModeProduction
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	modulesLogLevel := &slog.LevelVar{}
	startupLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	modulesLogLevel.Set(DefaultModulesLogLevel)
	startupLogLevel.Set(DefaultStartupLogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Database: &DatabaseConfig{
			Type:           DefaultDatabaseType,
			Port:           DefaultDatabasePort,
			SSLMode:        DefaultDatabaseSSLMode,
			MaxConns:       DefaultDatabaseMaxConns,
			IdleTimeout:    DefaultDatabaseIdleTimeout,
			ConnectTimeout: DefaultDatabaseConnectTimeout,
			LogLevel:       dbLogLevel,
			SlowThreshold:  DefaultDatabaseSlowThreshold,
		},
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			Activity:          DefaultDiscordActivity,
		},
		Modules: &ModulesConfig{
			CommandsPath: DefaultCommandsPath,
			EventsPath:   DefaultEventsPath,
			LogLevel:     modulesLogLevel,
		},
		API: &APIConfig{
			Enabled:           DefaultAPIEnabled,
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		StartupLog: &StartupLogConfig{
			File:       DefaultStartupLogFile,
			MaxSizeMB:  DefaultStartupLogMaxSizeMB,
			MaxBackups: DefaultStartupLogMaxBackups,
			MaxAgeDays: DefaultStartupLogMaxAgeDays,
			LogLevel:   startupLogLevel,
		},
		UserSync: &UserSyncConfig{
			RequestsPerSecond: DefaultUserSyncRequestsPerSecond,
			Concurrency:       DefaultUserSyncConcurrency,
		},
	}
}
