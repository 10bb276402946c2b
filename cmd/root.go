package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = diceolotl.DefaultConfig()
	configFile string
)

// legacyEnvVars are the variable names used before the DICE_ prefix,
// still honored so existing .env files keep working
var legacyEnvVars = map[string]string{
	"discord.token":          "DISCORD_TOKEN",
	"discord.application_id": "CLIENT_ID",
	"discord.guild_id":       "GUILD_ID",
	"database.host":          "DB_HOST",
	"database.port":          "DB_PORT",
	"database.name":          "DB_NAME",
	"database.user":          "DB_USER",
	"database.password":      "DB_PASSWORD",
	"database.init":          "INIT_DB",
}

var rootCmd = &cobra.Command{
	Use:           "diceolotl [flags]",
	Short:         "Dice-o-lotl, a Discord RPG bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook()))
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		return nil
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes log level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar. The target is a slog.LevelVar rather than a
// pointer when the config already holds a non-nil level.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command. SIGINT, SIGTERM and SIGHUP cancel the
// command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	d := diceolotl.DefaultConfig()

	viper.SetDefault("log_level", diceolotl.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", d.StartupTimeout)
	viper.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	// Database config
	viper.SetDefault("database.type", d.Database.Type)
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.host", "")
	viper.SetDefault("database.port", d.Database.Port)
	viper.SetDefault("database.name", "")
	viper.SetDefault("database.user", "")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.sslmode", d.Database.SSLMode)
	viper.SetDefault("database.max_conns", d.Database.MaxConns)
	viper.SetDefault("database.idle_timeout", d.Database.IdleTimeout)
	viper.SetDefault("database.connect_timeout", d.Database.ConnectTimeout)
	viper.SetDefault("database.log_level", diceolotl.DefaultDatabaseLogLevel.String())
	viper.SetDefault("database.slow_threshold", d.Database.SlowThreshold)
	viper.SetDefault("database.init", false)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", diceolotl.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		diceolotl.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	viper.SetDefault("discord.activity", d.Discord.Activity)

	// Module config
	viper.SetDefault("modules.mode", "")
	viper.SetDefault("modules.dir", "")
	viper.SetDefault("modules.commands_path", d.Modules.CommandsPath)
	viper.SetDefault("modules.events_path", d.Modules.EventsPath)
	viper.SetDefault("modules.log_level", diceolotl.DefaultModulesLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", d.API.Enabled)
	viper.SetDefault("api.listen", d.API.Listen)
	viper.SetDefault("api.log_level", diceolotl.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", d.API.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", d.API.WriteTimeout)
	viper.SetDefault("api.idle_timeout", d.API.IdleTimeout)

	// Startup log
	viper.SetDefault("startup_log.file", d.StartupLog.File)
	viper.SetDefault("startup_log.max_size_mb", d.StartupLog.MaxSizeMB)
	viper.SetDefault("startup_log.max_backups", d.StartupLog.MaxBackups)
	viper.SetDefault("startup_log.max_age_days", d.StartupLog.MaxAgeDays)
	viper.SetDefault("startup_log.log_level", diceolotl.DefaultStartupLogLevel.String())

	// User sync
	viper.SetDefault("user_sync.requests_per_second", d.UserSync.RequestsPerSecond)
	viper.SetDefault("user_sync.concurrency", d.UserSync.Concurrency)

	envPrefix := os.Getenv(diceolotl.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = diceolotl.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// BindEnv with explicit names replaces the automatic name, so the
	// prefixed name is bound first to keep its precedence
	for key, legacy := range legacyEnvVars {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		if err := viper.BindEnv(key, prefixed, legacy); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// the legacy DB_* variables only ever described a postgres database
	if viper.GetString("database.host") != "" {
		viper.SetDefault("database.type", "postgres")
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
