package diceolotl

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix           = "/debug/pprof"
	apiPrefix             = "/api"
	apiHealthCheck        = "/healthz"
	apiPathStatus         = "/status"
	apiPathCommands       = "/commands"
	apiPathReloadCommands = "/commands/reload"
)

const xRequestIDHeader = "X-Request-ID"

// API serves health checks, bot status and command administration over
// HTTP.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Bot
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, fmt.Errorf("missing api config")
	}

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		bot:    b,
		logger: slog.New(
			newLogHandler(defaultLogWriter, levelOr(config.LogLevel, DefaultAPILogLevel)),
		).With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(requestIDMiddleware(), ginLoggingMiddleware(api.logger))

	if config.Development {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		r.Use(cors.New(corsConfig))
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.status)

	g := r.Group(apiPrefix)
	g.GET(apiPathCommands, api.listCommands)
	g.POST(apiPathReloadCommands, api.reloadCommands)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	a.bot.dbMu.RLock()
	store := a.bot.store
	a.bot.dbMu.RUnlock()

	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	if err := store.Ping(c.Request.Context()); err != nil {
		ginContextLogger(c).Error("database ping failed", tint.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatusResponse is the body of the status endpoint
type StatusResponse struct {
	Version                string        `json:"version"`
	CommitSHA              string        `json:"commit_sha"`
	BuildTime              string        `json:"build_time"`
	Mode                   RunMode       `json:"mode"`
	StartedAt              time.Time     `json:"started_at"`
	Uptime                 string        `json:"uptime"`
	Connected              bool          `json:"connected"`
	Connects               int64         `json:"connects"`
	Disconnects            int64         `json:"disconnects"`
	Latency                time.Duration `json:"latency"`
	Guilds                 int           `json:"guilds"`
	Commands               int           `json:"commands"`
	InteractionsInProgress int64         `json:"interactions_in_progress"`
	InteractionsHandled    int64         `json:"interactions_handled"`
	MemoryUsedMB           float64       `json:"memory_used_mb"`
	Goroutines             int           `json:"goroutines"`
}

func (a *API) status(c *gin.Context) {
	b := a.bot
	stats := b.runtimeStats()
	c.JSON(
		http.StatusOK, StatusResponse{
			Version:                Version,
			CommitSHA:              CommitSHA,
			BuildTime:              BuildTime,
			Mode:                   b.config.RunMode(),
			StartedAt:              b.startedAt,
			Uptime:                 formatUptime(stats.Uptime),
			Connected:              b.discord.connected.Load(),
			Connects:               b.discord.metricConnects.Load(),
			Disconnects:            b.discord.metricDisconnects.Load(),
			Latency:                stats.Latency,
			Guilds:                 stats.Guilds,
			Commands:               stats.Commands,
			InteractionsInProgress: b.interactionsInProgress.Load(),
			InteractionsHandled:    b.interactionsHandled.Load(),
			MemoryUsedMB:           stats.MemoryUsedMB,
			Goroutines:             runtime.NumGoroutine(),
		},
	)
}

func (a *API) listCommands(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.registry.Commands())
}

// reloadCommands reloads the command registry from the module directory
// and re-registers the commands with discord
func (a *API) reloadCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)

	created, err := a.bot.ReloadCommands(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error reloading commands", tint.Err(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	names := make([]string, 0, len(created))
	for _, cmd := range created {
		names = append(names, cmd.Name)
	}
	sort.Strings(names)
	c.JSON(
		http.StatusOK, gin.H{
			"loaded":     a.bot.registry.Names(),
			"registered": names,
		},
	)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration, status
// and any errors attached to the gin context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(string(loggerContextKey), nil)

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
