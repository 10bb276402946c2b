package diceolotl

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// CommandFunc handles a slash command interaction
type CommandFunc func(ctx context.Context, h InteractionHandler) error

// Command is a validated slash command, loaded from a manifest
type Command struct {
	Name        string                        `json:"name"`
	Description string                        `json:"description"`
	Category    string                        `json:"category"`
	Path        string                        `json:"path"`
	Handler     string                        `json:"handler"`
	Schema      *discordgo.ApplicationCommand `json:"schema"`
	Execute     CommandFunc                   `json:"-"`
}

func (c Command) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("category", c.Category),
		slog.String("path", c.Path),
		slog.String("handler", c.Handler),
	)
}

// CommandRegistry holds the commands loaded from the command directory,
// keyed by name.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	loader   ModuleLoader
	handlers map[string]CommandFunc
	logger   *slog.Logger
}

// NewCommandRegistry returns an empty registry. Manifest `execute` values
// are resolved against handlers.
func NewCommandRegistry(
	loader ModuleLoader,
	handlers map[string]CommandFunc,
	logger *slog.Logger,
) *CommandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRegistry{
		commands: map[string]*Command{},
		loader:   loader,
		handlers: handlers,
		logger:   logger.With(loggerNameKey, "registry"),
	}
}

// Load clears the registry, then loads every command manifest found in
// the category subdirectories of root. Invalid manifests are skipped with
// a warning. If a command name is already registered, the later manifest
// replaces it.
//
// Errors reading a directory or decoding a manifest abort the load, and
// the registry is left holding whatever was loaded before the failure.
func (r *CommandRegistry) Load(ctx context.Context, fsys fs.FS, root string) error {
	logger := contextLoggerOr(ctx, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = map[string]*Command{}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		logger.ErrorContext(ctx, "Error loading commands", "root", root, tint.Err(err))
		return fmt.Errorf("error reading command directory %q: %w", root, err)
	}

	ext := r.loader.Extension()
	for _, category := range entries {
		if !category.IsDir() {
			continue
		}
		dir := path.Join(root, category.Name())
		files, err := moduleFiles(fsys, dir, ext)
		if err != nil {
			logger.ErrorContext(ctx, "Error loading commands", "dir", dir, tint.Err(err))
			return fmt.Errorf("error reading command directory %q: %w", dir, err)
		}

		for _, file := range files {
			cmd, err := r.loadCommand(fsys, category.Name(), file)
			if err != nil {
				if isValidationError(err) {
					logger.WarnContext(
						ctx, "skipping invalid command module",
						"path", file,
						tint.Err(err),
					)
					continue
				}
				logger.ErrorContext(ctx, "Error loading commands", "path", file, tint.Err(err))
				return fmt.Errorf("error loading command %q: %w", file, err)
			}

			if existing, ok := r.commands[cmd.Name]; ok {
				logger.WarnContext(
					ctx, "duplicate command name, replacing previous definition",
					"name", cmd.Name,
					"previous", existing.Path,
					"path", cmd.Path,
				)
			}
			r.commands[cmd.Name] = cmd
			logger.InfoContext(ctx, "Loaded command", "command", cmd)
		}
	}

	logger.InfoContext(ctx, "Loaded commands", "count", len(r.commands))
	return nil
}

func (r *CommandRegistry) loadCommand(fsys fs.FS, category string, file string) (
	*Command,
	error,
) {
	m, err := r.loader.LoadModule(fsys, file)
	if err != nil {
		return nil, err
	}
	if m.Data == nil || m.Data.Name == "" {
		return nil, ErrModuleMissingData
	}
	if m.Execute == "" {
		return nil, ErrModuleMissingExecute
	}
	execute, ok := r.handlers[m.Execute]
	if !ok || execute == nil {
		return nil, fmt.Errorf("%q: %w", m.Execute, ErrModuleNotCallable)
	}
	schema, err := m.Data.Schema()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModuleMissingData, err)
	}

	return &Command{
		Name:        m.Data.Name,
		Description: m.Data.Description,
		Category:    category,
		Path:        file,
		Handler:     m.Execute,
		Schema:      schema,
		Execute:     execute,
	}, nil
}

// Get returns the command with the given name
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Len returns the number of registered commands
func (r *CommandRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Commands returns the registered commands, ordered by category, then name
func (r *CommandRegistry) Commands() []*Command {
	r.mu.RLock()
	cmds := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()

	sort.Slice(
		cmds, func(i, j int) bool {
			if cmds[i].Category != cmds[j].Category {
				return cmds[i].Category < cmds[j].Category
			}
			return cmds[i].Name < cmds[j].Name
		},
	)
	return cmds
}

// Schemas returns the Discord registration payload for every
// registered command, ordered by name
func (r *CommandRegistry) Schemas() []*discordgo.ApplicationCommand {
	cmds := r.Commands()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	schemas := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		schemas = append(schemas, c.Schema)
	}
	return schemas
}

// Names returns the registered command names, sorted
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
