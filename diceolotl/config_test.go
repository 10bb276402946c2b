package diceolotl

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a Config for tests: a temporary SQLite
// database, embedded (production) modules, the API disabled and
// quiet loggers
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.Database.Type = dbTypeSQLite
	cfg.Database.DSN = filepath.Join(tmpdir, "diceolotl.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	name := strings.ReplaceAll(t.Name(), "/", "_")
	cfg.Discord.Token = fmt.Sprintf("token_%s", name)
	cfg.Discord.ApplicationID = fmt.Sprintf("app_%s", name)
	cfg.Discord.Activity = "with test dice"

	cfg.Modules.Mode = RunModeProduction
	cfg.API.Enabled = false
	cfg.API.Listen = "127.0.0.1:0"
	cfg.StartupLog.File = filepath.Join(tmpdir, "logs", "startup.log")
	cfg.UserSync.RequestsPerSecond = 1000
	cfg.UserSync.Concurrency = 2

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Database.LogLevel.Set(logLevel)
	cfg.Modules.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultTestConfig(t).Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{
			name:   "missing token",
			modify: func(c *Config) { c.Discord.Token = "" },
			field:  "Token",
		},
		{
			name:   "missing application id",
			modify: func(c *Config) { c.Discord.ApplicationID = "" },
			field:  "ApplicationID",
		},
		{
			name:   "unsupported database",
			modify: func(c *Config) { c.Database.Type = "mysql" },
			field:  "Type",
		},
		{
			name:   "invalid mode",
			modify: func(c *Config) { c.Modules.Mode = "staging" },
			field:  "Mode",
		},
		{
			name: "api without listen address",
			modify: func(c *Config) {
				c.API.Enabled = true
				c.API.Listen = ""
			},
			field: "Listen",
		},
		{
			name:   "zero sync rate",
			modify: func(c *Config) { c.UserSync.RequestsPerSecond = 0 },
			field:  "RequestsPerSecond",
		},
		{
			name:   "startup timeout too short",
			modify: func(c *Config) { c.StartupTimeout = 10 * time.Millisecond },
			field:  "StartupTimeout",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := cfg.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.field)
			},
		)
	}
}

func TestConfig_RunMode(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, RunModeProduction, cfg.RunMode())

	cfg.Discord.GuildID = "1234"
	assert.Equal(t, RunModeDevelopment, cfg.RunMode())

	cfg.Modules.Mode = RunModeProduction
	assert.Equal(t, RunModeProduction, cfg.RunMode())

	cfg.Discord.GuildID = ""
	cfg.Modules.Mode = RunModeDevelopment
	assert.Equal(t, RunModeDevelopment, cfg.RunMode())
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	t.Parallel()

	t.Run(
		"sqlite default", func(t *testing.T) {
			c := DatabaseConfig{Type: dbTypeSQLite}
			assert.Equal(t, DefaultDatabase, c.ConnectionString())
		},
	)

	t.Run(
		"sqlite path", func(t *testing.T) {
			c := DatabaseConfig{Type: dbTypeSQLite, DSN: "/var/lib/dice.sqlite3"}
			assert.Equal(t, "/var/lib/dice.sqlite3", c.ConnectionString())
		},
	)

	t.Run(
		"postgres dsn wins", func(t *testing.T) {
			c := DatabaseConfig{
				Type: dbTypePostgres,
				DSN:  "postgres://dice:secret@db:5432/dice",
				Host: "ignored",
			}
			assert.Equal(t, "postgres://dice:secret@db:5432/dice", c.ConnectionString())
		},
	)

	t.Run(
		"postgres fields", func(t *testing.T) {
			c := DatabaseConfig{
				Type:           dbTypePostgres,
				Host:           "db.example.com",
				Port:           5433,
				Name:           "dice",
				User:           "axolotl",
				Password:       "it's secret",
				SSLMode:        "require",
				ConnectTimeout: 500 * time.Millisecond,
			}
			assert.Equal(
				t,
				`host=db.example.com port=5433 dbname=dice user=axolotl `+
					`password='it\'s secret' sslmode=require connect_timeout=1`,
				c.ConnectionString(),
			)
		},
	)
}

func TestDatabaseConfig_RedactedConnectionString(t *testing.T) {
	t.Parallel()

	fields := DatabaseConfig{
		Type:     dbTypePostgres,
		Host:     "db",
		User:     "dice",
		Password: "hunter2",
	}
	redacted := fields.redactedConnectionString()
	assert.NotContains(t, redacted, "hunter2")
	assert.Contains(t, redacted, "password=xxxxx")
	assert.Contains(t, fields.ConnectionString(), "hunter2")

	urlDSN := DatabaseConfig{Type: dbTypePostgres, DSN: "postgres://dice:hunter2@db/dice"}
	assert.Equal(t, "postgres://dice:xxxxx@db/dice", urlDSN.redactedConnectionString())

	keywordDSN := DatabaseConfig{Type: dbTypePostgres, DSN: "host=db password=hunter2"}
	assert.Equal(t, "[redacted]", keywordDSN.redactedConnectionString())

	sqlite := DatabaseConfig{Type: dbTypeSQLite, DSN: "dice.sqlite3"}
	assert.Equal(t, "dice.sqlite3", sqlite.redactedConnectionString())
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig(t)
	cfg.Database.Password = "hunter2"

	v := cfg.LogValue()
	discord := groupAttr(t, v, "discord")
	assert.Equal(t, "[redacted]", groupAttr(t, discord, "token").String())
	assert.Equal(t, cfg.Discord.ApplicationID, groupAttr(t, discord, "application_id").String())
	assert.Equal(t, "WARN", groupAttr(t, discord, "log_level").String())

	db := groupAttr(t, v, "database")
	assert.Equal(t, "[redacted]", groupAttr(t, db, "password").String())
	assert.Equal(t, "[redacted]", groupAttr(t, db, "dsn").String())
}

// groupAttr returns the value of the attribute with the given key in a
// group value
func groupAttr(t testing.TB, v slog.Value, key string) slog.Value {
	t.Helper()
	require.Equal(t, slog.KindGroup, v.Kind())
	for _, a := range v.Group() {
		if a.Key == key {
			return a.Value
		}
	}
	t.Fatalf("attribute %q not found in %s", key, v)
	return slog.Value{}
}
