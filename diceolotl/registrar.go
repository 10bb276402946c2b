package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// CommandRegistrationClient is the part of the Discord REST API used to
// register slash commands
type CommandRegistrationClient interface {
	// ApplicationCommands lists the application's commands. An empty
	// guildID lists global commands.
	ApplicationCommands(
		appID string,
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// ApplicationCommandBulkOverwrite replaces the application's commands
	// with the given set. An empty guildID overwrites global commands.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// CommandRegistrar makes the application's remote command set match a
// given list of command schemas. Registration is a single full-replace
// write, scoped to GuildID when set, otherwise global.
type CommandRegistrar struct {
	client        CommandRegistrationClient
	applicationID string
	guildID       string
	logger        *slog.Logger
}

func NewCommandRegistrar(
	client CommandRegistrationClient,
	applicationID string,
	guildID string,
	logger *slog.Logger,
) *CommandRegistrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRegistrar{
		client:        client,
		applicationID: applicationID,
		guildID:       guildID,
		logger:        logger.With(loggerNameKey, "registrar"),
	}
}

// Scope returns "guild" or "global"
func (c *CommandRegistrar) Scope() string {
	if c.guildID != "" {
		return "guild"
	}
	return "global"
}

// RegistrationDiff is the set of command names added and removed by a
// registration, relative to what was registered before
type RegistrationDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Register overwrites the remote command set with schemas. The current
// remote set is fetched first, only so the change can be logged. A
// failure to fetch it is logged and otherwise ignored. The write is not
// retried, and its error is returned.
func (c *CommandRegistrar) Register(
	ctx context.Context,
	schemas []*discordgo.ApplicationCommand,
) ([]*discordgo.ApplicationCommand, error) {
	logger := contextLoggerOr(ctx, c.logger).With(
		"scope", c.Scope(),
		"guild_id", c.guildID,
	)
	if schemas == nil {
		schemas = []*discordgo.ApplicationCommand{}
	}

	logger.InfoContext(
		ctx,
		fmt.Sprintf("Started refreshing %d application (/) commands.", len(schemas)),
	)

	existing, err := c.client.ApplicationCommands(
		c.applicationID,
		c.guildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"unable to fetch existing commands, treating as none registered",
			tint.Err(err),
		)
		existing = nil
	}

	created, err := c.client.ApplicationCommandBulkOverwrite(
		c.applicationID,
		c.guildID,
		schemas,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "Error registering commands", tint.Err(err))
		return created, fmt.Errorf("error registering commands: %w", err)
	}

	diff := diffCommandNames(existing, created)
	logger.InfoContext(
		ctx,
		fmt.Sprintf("Successfully reloaded %d application (/) commands.", len(created)),
		"added", diff.Added,
		"removed", diff.Removed,
	)
	return created, nil
}

// Clear removes every global command, and every command in each of the
// given guilds. Errors are collected, so one failed scope doesn't stop
// the others from being cleared.
func (c *CommandRegistrar) Clear(ctx context.Context, guildIDs ...string) error {
	logger := contextLoggerOr(ctx, c.logger)
	scopes := append([]string{""}, guildIDs...)

	var errs []error
	for _, guildID := range scopes {
		_, err := c.client.ApplicationCommandBulkOverwrite(
			c.applicationID,
			guildID,
			[]*discordgo.ApplicationCommand{},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(ctx, "error clearing commands", "guild_id", guildID, tint.Err(err))
			errs = append(errs, fmt.Errorf("guild %q: %w", guildID, err))
			continue
		}
		if guildID == "" {
			logger.InfoContext(ctx, "cleared global commands")
		} else {
			logger.InfoContext(ctx, "cleared guild commands", "guild_id", guildID)
		}
	}
	return errors.Join(errs...)
}

func diffCommandNames(before, after []*discordgo.ApplicationCommand) RegistrationDiff {
	beforeNames := map[string]bool{}
	for _, cmd := range before {
		beforeNames[cmd.Name] = true
	}
	afterNames := map[string]bool{}
	for _, cmd := range after {
		afterNames[cmd.Name] = true
	}

	diff := RegistrationDiff{Added: []string{}, Removed: []string{}}
	for name := range afterNames {
		if !beforeNames[name] {
			diff.Added = append(diff.Added, name)
		}
	}
	for name := range beforeNames {
		if !afterNames[name] {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}
