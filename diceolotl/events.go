package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// EventFunc handles a gateway event. evt is the typed discordgo event,
// ex: *discordgo.Ready for "ready".
type EventFunc func(ctx context.Context, s *discordgo.Session, evt any) error

// Event is a validated event module. Once events run at most one time
// for the life of the process.
type Event struct {
	Name    string    `json:"name"`
	Once    bool      `json:"once"`
	Path    string    `json:"path"`
	Handler string    `json:"handler"`
	Execute EventFunc `json:"-"`
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", e.Name),
		slog.Bool("once", e.Once),
		slog.String("path", e.Path),
		slog.String("handler", e.Handler),
	)
}

// EventSubscriber registers gateway event handlers. Implemented by
// *discordgo.Session.
type EventSubscriber interface {
	AddHandler(handler any) func()
	AddHandlerOnce(handler any) func()
}

// eventAdapters convert an untyped callback into the typed handler
// discordgo expects for each supported event name
var eventAdapters = map[string]func(fn func(*discordgo.Session, any)) any{
	"ready": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.Ready) { fn(s, e) }
	},
	"interactionCreate": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.InteractionCreate) { fn(s, e) }
	},
	"guildCreate": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.GuildCreate) { fn(s, e) }
	},
	"guildMemberAdd": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.GuildMemberAdd) { fn(s, e) }
	},
	"guildMemberRemove": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.GuildMemberRemove) { fn(s, e) }
	},
	"guildMemberUpdate": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.GuildMemberUpdate) { fn(s, e) }
	},
	"userUpdate": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.UserUpdate) { fn(s, e) }
	},
	"connect": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.Connect) { fn(s, e) }
	},
	"disconnect": func(fn func(*discordgo.Session, any)) any {
		return func(s *discordgo.Session, e *discordgo.Disconnect) { fn(s, e) }
	},
}

// EventDispatcher loads event modules and subscribes them to the
// gateway session. Unlike commands, events sharing a name are all
// subscribed.
type EventDispatcher struct {
	loader   ModuleLoader
	handlers map[string]EventFunc
	logger   *slog.Logger
	recover  func(ctx context.Context, rc any)
}

func NewEventDispatcher(
	loader ModuleLoader,
	handlers map[string]EventFunc,
	logger *slog.Logger,
) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{
		loader:   loader,
		handlers: handlers,
		logger:   logger.With(loggerNameKey, "events"),
		recover:  handleRecover,
	}
}

// Load reads the event manifests directly under root. Invalid manifests
// are skipped with a warning. Directory read and decode errors abort.
func (d *EventDispatcher) Load(ctx context.Context, fsys fs.FS, root string) (
	[]*Event,
	error,
) {
	logger := contextLoggerOr(ctx, d.logger)

	files, err := moduleFiles(fsys, root, d.loader.Extension())
	if err != nil {
		logger.ErrorContext(ctx, "Error loading events", "root", root, tint.Err(err))
		return nil, fmt.Errorf("error reading event directory %q: %w", root, err)
	}

	var events []*Event
	for _, file := range files {
		evt, err := d.loadEvent(fsys, file)
		if err != nil {
			if isValidationError(err) {
				logger.WarnContext(ctx, "skipping invalid event module", "path", file, tint.Err(err))
				continue
			}
			logger.ErrorContext(ctx, "Error loading events", "path", file, tint.Err(err))
			return events, fmt.Errorf("error loading event %q: %w", file, err)
		}
		events = append(events, evt)
		logger.InfoContext(ctx, "Loaded event", "event", evt)
	}
	return events, nil
}

func (d *EventDispatcher) loadEvent(fsys fs.FS, file string) (*Event, error) {
	m, err := d.loader.LoadModule(fsys, file)
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, ErrModuleMissingName
	}
	if _, ok := eventAdapters[m.Name]; !ok {
		return nil, fmt.Errorf("%q: %w", m.Name, ErrUnknownEvent)
	}
	if m.Execute == "" {
		return nil, ErrModuleMissingExecute
	}
	execute, ok := d.handlers[m.Execute]
	if !ok || execute == nil {
		return nil, fmt.Errorf("%q: %w", m.Execute, ErrModuleNotCallable)
	}
	return &Event{
		Name:    m.Name,
		Once:    m.Once,
		Path:    file,
		Handler: m.Execute,
		Execute: execute,
	}, nil
}

// Subscribe adds a handler to the session for each event. Returns
// functions which remove the handlers. Handlers receive ctx, and their
// errors and panics are logged.
func (d *EventDispatcher) Subscribe(
	ctx context.Context,
	session EventSubscriber,
	events []*Event,
) ([]func(), error) {
	var errs []error
	removeFuncs := make([]func(), 0, len(events))

	for _, evt := range events {
		adapt, ok := eventAdapters[evt.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%q: %w", evt.Name, ErrUnknownEvent))
			continue
		}
		handler := adapt(d.eventCallback(ctx, evt))
		if evt.Once {
			removeFuncs = append(removeFuncs, session.AddHandlerOnce(handler))
		} else {
			removeFuncs = append(removeFuncs, session.AddHandler(handler))
		}
		d.logger.DebugContext(ctx, "subscribed event handler", "event", evt)
	}
	return removeFuncs, errors.Join(errs...)
}

// eventCallback wraps the event's handler with logging, panic recovery,
// and for Once events, a guard that keeps it from running again
func (d *EventDispatcher) eventCallback(ctx context.Context, evt *Event) func(
	*discordgo.Session,
	any,
) {
	var fired atomic.Bool
	logger := d.logger.With("event", evt.Name, "handler", evt.Handler)

	return func(s *discordgo.Session, payload any) {
		if evt.Once && !fired.CompareAndSwap(false, true) {
			return
		}
		eventCtx := WithLogger(ctx, logger)
		defer func() {
			if rc := recover(); rc != nil {
				d.recover(eventCtx, rc)
			}
		}()
		if err := evt.Execute(eventCtx, s, payload); err != nil {
			logger.ErrorContext(eventCtx, "error handling event", tint.Err(err))
		}
	}
}
