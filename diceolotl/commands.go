package diceolotl

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Command handler names, as referenced by `execute` in command manifests
const (
	commandPing      = "ping"
	commandHelp      = "help"
	commandBotInfo   = "botinfo"
	commandStatus    = "status"
	commandSync      = "sync"
	commandProfile   = "profile"
	commandInventory = "inventory"
	commandEquip     = "equip"
	commandUnequip   = "unequip"
)

const (
	optionItem = "item"

	colorPrimary   = 0x00ae86
	colorSecondary = 0x7289da
	colorBlurple   = 0x5865f2
	colorSuccess   = 0x00ff00
	colorFailure   = 0xff0000

	brandEmoji = "🎲"

	maxButtonsPerRow = 5
)

var errStoreNotReady = errors.New("database not initialized")

// commandHandlers maps manifest `execute` names to the bot's command
// handlers
func (b *Bot) commandHandlers() map[string]CommandFunc {
	return map[string]CommandFunc{
		commandPing:      b.handlePing,
		commandHelp:      b.handleHelp,
		commandBotInfo:   b.handleBotInfo,
		commandStatus:    b.handleStatus,
		commandSync:      b.handleSync,
		commandProfile:   b.handleProfile,
		commandInventory: b.handleInventory,
		commandEquip:     b.handleEquip,
		commandUnequip:   b.handleUnequip,
	}
}

// interactionIdentity returns the identity of the user who invoked the
// interaction
func interactionIdentity(h InteractionHandler) (Identity, *discordgo.User, error) {
	u := getDiscordUser(h.GetInteraction())
	if u == nil {
		return Identity{}, nil, errors.New("interaction has no user")
	}
	return NewIdentity(u), u, nil
}

// stringOption returns the named string option from a slash command
func stringOption(h InteractionHandler, name string) string {
	opt, ok := discordInteractionOptions(h.GetInteraction())[name]
	if !ok || opt == nil {
		return ""
	}
	return opt.StringValue()
}

// brandingFooter is the footer used on informational embeds
func brandingFooter(botUser *discordgo.User) *discordgo.MessageEmbedFooter {
	footer := &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("%s %s • Made with %s and caffeine", botName, Version, brandEmoji),
	}
	if botUser != nil {
		footer.IconURL = botUser.AvatarURL("")
	}
	return footer
}

// services returns the profile and inventory services, which aren't set
// until the database is initialized
func (b *Bot) services() (*ProfileService, *InventoryService, error) {
	b.dbMu.RLock()
	defer b.dbMu.RUnlock()
	if b.profiles == nil || b.inventory == nil {
		return nil, nil, errStoreNotReady
	}
	return b.profiles, b.inventory, nil
}

// replyEphemeral responds with a message only the invoking user sees, or
// follows up with one if a response was already sent
func replyEphemeral(ctx context.Context, h InteractionHandler, content string) error {
	if h.Replied() || h.Deferred() {
		_, err := h.FollowUp(
			ctx, &discordgo.WebhookParams{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		)
		return err
	}
	return h.Respond(ctx, ephemeralResponse(content))
}
