package diceolotl

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Event handler names, as referenced by `execute` in event manifests
const (
	eventReady             = "ready"
	eventInteractionCreate = "interactionCreate"
	eventGuildMemberAdd    = "guildMemberAdd"
	eventGuildMemberRemove = "guildMemberRemove"
	eventGuildMemberUpdate = "guildMemberUpdate"
	eventUserUpdate        = "userUpdate"
)

// eventHandlers maps manifest `execute` names to the bot's event
// handlers
func (b *Bot) eventHandlers() map[string]EventFunc {
	return map[string]EventFunc{
		eventReady:             b.onReady,
		eventInteractionCreate: b.onInteractionCreate,
		eventGuildMemberAdd:    b.onGuildMemberAdd,
		eventGuildMemberRemove: b.onGuildMemberRemove,
		eventGuildMemberUpdate: b.onGuildMemberUpdate,
		eventUserUpdate:        b.onUserUpdate,
	}
}

func (b *Bot) onReady(ctx context.Context, _ *discordgo.Session, evt any) error {
	r, ok := evt.(*discordgo.Ready)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	logger := contextLoggerOr(ctx, b.logger)

	if r.User != nil {
		logger.InfoContext(ctx, fmt.Sprintf("Ready! Logged in as %s", r.User.String()))
	}
	logger.InfoContext(ctx, fmt.Sprintf("Serving %d guilds", len(r.Guilds)))

	activity := b.config.Discord.Activity
	if activity == "" {
		return nil
	}
	if err := b.discord.session.UpdateGameStatus(0, activity); err != nil {
		return fmt.Errorf("error setting activity: %w", err)
	}
	return nil
}

func (b *Bot) onInteractionCreate(ctx context.Context, _ *discordgo.Session, evt any) error {
	i, ok := evt.(*discordgo.InteractionCreate)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	b.handleInteraction(ctx, i)
	return nil
}

func (b *Bot) syncService() (*UserSyncService, error) {
	b.dbMu.RLock()
	defer b.dbMu.RUnlock()
	if b.userSync == nil {
		return nil, errStoreNotReady
	}
	return b.userSync, nil
}

func (b *Bot) onGuildMemberAdd(ctx context.Context, _ *discordgo.Session, evt any) error {
	m, ok := evt.(*discordgo.GuildMemberAdd)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	userSync, err := b.syncService()
	if err != nil {
		return err
	}
	return userSync.HandleMemberAdd(ctx, m.Member)
}

func (b *Bot) onGuildMemberRemove(ctx context.Context, _ *discordgo.Session, evt any) error {
	m, ok := evt.(*discordgo.GuildMemberRemove)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	userSync, err := b.syncService()
	if err != nil {
		return err
	}
	userSync.HandleMemberRemove(ctx, m.Member)
	return nil
}

func (b *Bot) onGuildMemberUpdate(ctx context.Context, _ *discordgo.Session, evt any) error {
	m, ok := evt.(*discordgo.GuildMemberUpdate)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	if m.Member == nil {
		return nil
	}
	userSync, err := b.syncService()
	if err != nil {
		return err
	}
	return userSync.HandleUserUpdate(ctx, m.User)
}

func (b *Bot) onUserUpdate(ctx context.Context, _ *discordgo.Session, evt any) error {
	u, ok := evt.(*discordgo.UserUpdate)
	if !ok {
		return fmt.Errorf("unexpected event type %T", evt)
	}
	userSync, err := b.syncService()
	if err != nil {
		return err
	}
	return userSync.HandleUserUpdate(ctx, u.User)
}
