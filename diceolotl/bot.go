package diceolotl

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const botName = "Dice-o-lotl"

var (
	// When building, set these like:
	// -ldflags "-X github.com/Bonsailinse/dice-o-lotl/diceolotl.Version=v1.1.0"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// embeddedModules holds the built JSON manifests, used in production
// when no module directory is configured
//
//go:embed modules
var embeddedModules embed.FS

// Bot is the Dice-o-lotl discord bot. It owns the gateway session, the
// command and event pipeline, the database and the admin API.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	dbMu  sync.RWMutex
	store Store

	discord *Discord
	api     *API

	// modules is the filesystem command and event manifests are read from
	modules fs.FS
	loader  ModuleLoader

	registry   *CommandRegistry
	dispatcher *EventDispatcher
	router     *CommandRouter

	profiles  *ProfileService
	inventory *InventoryService
	userSync  *UserSyncService

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord, loaded modules and registered commands
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// tracks interaction goroutines, so shutdown can wait on them
	runtimeWG *sync.WaitGroup

	startedAt time.Time

	interactionsInProgress atomic.Int64
	interactionsHandled    atomic.Int64
}

// New creates a Bot from the given config. Errors from each component
// are collected and returned together.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.Database.Type {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	b := &Bot{
		config:        config,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		runtimeWG:     &sync.WaitGroup{},
	}

	b.logHandler = newLogHandler(defaultLogWriter, levelOr(config.LogLevel, DefaultLogLevel))
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(
			newLogHandler(
				defaultLogWriter,
				levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel),
			),
		).With(loggerNameKey, "discord"),
	)

	modulesLogger := slog.New(
		newLogHandler(
			defaultLogWriter,
			levelOr(config.Modules.LogLevel, DefaultModulesLogLevel),
		),
	)
	b.loader = NewModuleLoader(config.RunMode())
	b.registry = NewCommandRegistry(b.loader, b.commandHandlers(), modulesLogger)
	b.dispatcher = NewEventDispatcher(b.loader, b.eventHandlers(), modulesLogger)
	b.router = NewCommandRouter(b.registry, b.logger)

	modules, err := moduleFS(config.Modules, config.RunMode())
	if err != nil {
		errs = append(errs, err)
	}
	b.modules = modules

	api, err := newAPI(b, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	b.api = api

	return b, errors.Join(errs...)
}

// levelOr returns lv, or a fixed level if lv is nil
func levelOr(lv *slog.LevelVar, fallback slog.Level) slog.Leveler {
	if lv == nil {
		return fallback
	}
	return lv
}

// moduleFS returns the filesystem holding the command and event
// manifests. A configured directory always wins. Otherwise development
// reads the YAML sources in the working directory, and production reads
// the manifests embedded in the binary.
func moduleFS(cfg *ModulesConfig, mode RunMode) (fs.FS, error) {
	if cfg.Dir != "" {
		return os.DirFS(cfg.Dir), nil
	}
	if mode == RunModeDevelopment {
		return os.DirFS(DefaultModulesDir), nil
	}
	sub, err := fs.Sub(embeddedModules, "modules")
	if err != nil {
		return nil, fmt.Errorf("error reading embedded modules: %w", err)
	}
	return sub, nil
}

// setStore sets the store, and the services that depend on it
func (b *Bot) setStore(store Store) {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()
	b.store = store
	b.profiles = NewProfileService(store, b.logger.With(loggerNameKey, "profiles"))
	b.inventory = NewInventoryService(store, b.logger.With(loggerNameKey, "inventory"))
	b.userSync = NewUserSyncService(store, b.config.UserSync, b.logger)
}

// Run connects the bot and blocks until ctx is canceled or a stop
// signal is received, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := b.runtimeWG

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", b.config),
		slog.String("mode", string(b.config.RunMode())),
	)

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	if b.config.API.Enabled {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		_ = b.shutdown(ctx, runtimeWG)
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = b.shutdown(ctx, runtimeWG)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}

	// block until something cancels the main runtime context, generally
	// an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// initRun connects to the database, loads commands and registers them,
// loads and subscribes events, then opens the gateway connection.
// startCtx limits the setup, while ctx is the context passed on to
// event handlers for the life of the bot.
func (b *Bot) initRun(startCtx context.Context, ctx context.Context) error {
	var startupLevel *slog.LevelVar
	if b.config.StartupLog != nil {
		startupLevel = b.config.StartupLog.LogLevel
	}
	startupLog, err := newStartupLogger(
		b.config.StartupLog,
		levelOr(startupLevel, DefaultStartupLogLevel),
	)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := startupLog.Close(); closeErr != nil {
			b.logger.Warn("error closing startup log", tint.Err(closeErr))
		}
	}()
	startCtx = WithLogger(startCtx, startupLog.Logger)

	if err = b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if err = b.ensureSession(); err != nil {
		return err
	}

	if err = b.loadCommands(startCtx); err != nil {
		return err
	}

	// a registration failure is already logged, and the bot keeps running
	// with whatever commands discord already had
	_, _ = b.registerCommands(startCtx)

	if err = b.loadEvents(startCtx, ctx); err != nil {
		return err
	}

	startupLog.InfoContext(startCtx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		startupLog.ErrorContext(startCtx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// initDB opens the database, unless a store was already set. When
// database.init is set, migrations are run and sample items seeded.
func (b *Bot) initDB(ctx context.Context) error {
	b.dbMu.RLock()
	existing := b.store
	b.dbMu.RUnlock()
	if existing != nil {
		return nil
	}

	cfg := b.config.Database
	var db *gorm.DB
	var err error
	if cfg.Init {
		db, err = CreateDB(ctx, cfg, true)
	} else {
		db, err = OpenDB(ctx, cfg)
	}
	if err != nil {
		return err
	}
	b.setStore(
		NewDatabase(
			db,
			b.logger.With(loggerNameKey, "database"),
			cfg.Type == dbTypePostgres,
		),
	)
	return nil
}

// loadCommands loads the command registry from the module filesystem
func (b *Bot) loadCommands(ctx context.Context) error {
	if err := b.registry.Load(ctx, b.modules, b.config.Modules.CommandsPath); err != nil {
		return fmt.Errorf("error loading commands: %w", err)
	}
	return nil
}

// registerCommands overwrites the application's commands on discord with
// the commands in the registry
func (b *Bot) registerCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	return b.commandRegistrar().Register(ctx, b.registry.Schemas())
}

// ReloadCommands reloads the command registry and re-registers commands.
// In development, this picks up edited manifests without a restart.
func (b *Bot) ReloadCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	if b.discord.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	if err := b.loadCommands(ctx); err != nil {
		return nil, err
	}
	return b.registerCommands(ctx)
}

// RegisterCommands loads the command registry and registers it with
// discord over REST, without connecting to the gateway
func (b *Bot) RegisterCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	if err := b.ensureSession(); err != nil {
		return nil, err
	}
	if err := b.loadCommands(ctx); err != nil {
		return nil, err
	}
	return b.registerCommands(ctx)
}

// ClearCommands removes the application's global commands, and its
// commands in each of the given guilds
func (b *Bot) ClearCommands(ctx context.Context, guildIDs ...string) error {
	if err := b.ensureSession(); err != nil {
		return err
	}
	return b.commandRegistrar().Clear(ctx, guildIDs...)
}

// ensureSession creates the discord session if it hasn't been set
func (b *Bot) ensureSession() error {
	if b.discord.session != nil {
		return nil
	}
	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session
	return nil
}

func (b *Bot) commandRegistrar() *CommandRegistrar {
	return NewCommandRegistrar(
		b.discord.session,
		b.config.Discord.ApplicationID,
		b.config.Discord.GuildID,
		b.discord.logger,
	)
}

// loadEvents loads event modules and subscribes them to the session,
// along with the connection metric handlers
func (b *Bot) loadEvents(startCtx context.Context, ctx context.Context) error {
	session := b.discord.session

	for _, remove := range b.discord.removeHandlers {
		remove()
	}
	b.discord.removeHandlers = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
	}

	events, err := b.dispatcher.Load(startCtx, b.modules, b.config.Modules.EventsPath)
	if err != nil {
		return fmt.Errorf("error loading events: %w", err)
	}
	removeFuncs, err := b.dispatcher.Subscribe(ctx, session, events)
	b.discord.removeHandlers = append(b.discord.removeHandlers, removeFuncs...)
	if err != nil {
		return fmt.Errorf("error subscribing events: %w", err)
	}
	contextLoggerOr(startCtx, b.logger).InfoContext(
		startCtx,
		fmt.Sprintf("Subscribed %d event handlers", len(removeFuncs)),
	)
	return nil
}

// handleInteraction routes the interaction in a goroutine, which
// shutdown waits on
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	handler := NewGatewayHandler(b.discord.session, i, b.logger)
	b.runtimeWG.Add(1)
	b.interactionsInProgress.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		defer b.interactionsInProgress.Add(-1)
		defer b.interactionsHandled.Add(1)
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		b.router.Route(ctx, handler)
	}()
}

func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			select {
			case b.eventShutdown <- struct{}{}:
			default:
			}
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		b.closeNow()
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
		"interactions_in_progress", b.interactionsInProgress.Load(),
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// wait for in-flight interactions
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.closeDiscord(ctx)
			}()
		}

		stopWG.Wait()
		b.closeDB(ctx)
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			b.logger.Warn("interactions did not finish in time, forcing close")
			b.closeNow()
			return errors.New("interactions did not finish in time")
		}
	}
}

func (b *Bot) closeDiscord(ctx context.Context) {
	b.logger.InfoContext(ctx, "closing discord session")
	if err := b.discord.session.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}
	if len(b.discord.removeHandlers) > 0 {
		b.logger.InfoContext(
			ctx,
			fmt.Sprintf("removing %d discord handlers", len(b.discord.removeHandlers)),
		)
		for _, remove := range b.discord.removeHandlers {
			remove()
		}
		b.discord.removeHandlers = nil
	}
}

func (b *Bot) closeDB(ctx context.Context) {
	b.dbMu.RLock()
	store := b.store
	b.dbMu.RUnlock()
	if store == nil || store.DB() == nil {
		return
	}
	sqlDB, err := store.DB().DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}

// closeNow closes the HTTP server and discord session without waiting
func (b *Bot) closeNow() {
	if b.api != nil && b.api.httpServer != nil {
		go func() {
			_ = b.api.httpServer.Close()
		}()
	}
	if b.discord.session != nil {
		go func() {
			_ = b.discord.session.Close()
		}()
	}
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
