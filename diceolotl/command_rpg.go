package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	profileErrorMessage   = "❌ Failed to load your profile. Please try again later."
	inventoryErrorMessage = "❌ Failed to load your inventory. Please try again later."
	emptyInventoryMessage = "Your inventory is empty!"
)

var itemTypeTitles = map[ItemType]string{
	ItemTypeWeapon:     "Weapons",
	ItemTypeArmor:      "Armor",
	ItemTypeConsumable: "Consumables",
	ItemTypeMisc:       "Miscellaneous",
}

func (b *Bot) handleProfile(ctx context.Context, h InteractionHandler) error {
	logger := contextLoggerOr(ctx, b.logger)

	id, du, err := interactionIdentity(h)
	if err != nil {
		return err
	}
	profiles, _, err := b.services()
	if err != nil {
		logger.ErrorContext(ctx, "error loading profile", tint.Err(err))
		return replyEphemeral(ctx, h, profileErrorMessage)
	}

	user, profile, err := profiles.Profile(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "error loading profile", tint.Err(err))
		return replyEphemeral(ctx, h, profileErrorMessage)
	}

	return h.Respond(ctx, embedResponse(profileEmbed(user, profile, du.AvatarURL(""))))
}

func profileEmbed(user *User, p *PlayerProfile, avatarURL string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("⚔️ %s's Profile", user.Name()),
		Color: colorPrimary,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📊 Level", Value: fmt.Sprintf("%d", p.Level), Inline: true},
			{
				Name:   "✨ Experience",
				Value:  fmt.Sprintf("%d/%d", p.Experience, p.ExperienceToNextLevel()),
				Inline: true,
			},
			{Name: "💰 Gold", Value: fmt.Sprintf("%d", p.Gold), Inline: true},
			{
				Name:   "❤️ Health",
				Value:  fmt.Sprintf("%d/%d", p.Health, p.MaxHealth),
				Inline: true,
			},
			{
				Name:   "🔮 Mana",
				Value:  fmt.Sprintf("%d/%d", p.Mana, p.MaxMana),
				Inline: true,
			},
			{
				Name: "🎲 Attributes",
				Value: fmt.Sprintf(
					"**STR** %d • **DEF** %d • **AGI** %d • **INT** %d",
					p.Strength,
					p.Defense,
					p.Agility,
					p.Intelligence,
				),
			},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Tip: Use /help to see all available commands!"},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if avatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: avatarURL}
	}
	return embed
}

func (b *Bot) handleInventory(ctx context.Context, h InteractionHandler) error {
	logger := contextLoggerOr(ctx, b.logger)

	id, _, err := interactionIdentity(h)
	if err != nil {
		return err
	}
	_, inventory, err := b.services()
	if err != nil {
		logger.ErrorContext(ctx, "error loading inventory", tint.Err(err))
		return replyEphemeral(ctx, h, inventoryErrorMessage)
	}

	view, err := inventory.Inventory(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "error loading inventory", tint.Err(err))
		return replyEphemeral(ctx, h, inventoryErrorMessage)
	}
	return h.Respond(ctx, embedResponse(inventoryEmbed(view)))
}

// inventoryDescription renders the grouped inventory, one section per
// item type
func inventoryDescription(summary InventorySummary) string {
	if len(summary.Groups) == 0 {
		return emptyInventoryMessage
	}
	sections := make([]string, 0, len(summary.Groups))
	for _, g := range summary.Groups {
		title, ok := itemTypeTitles[g.Type]
		if !ok {
			title = string(g.Type)
		}
		lines := make([]string, 0, len(g.Entries)+1)
		lines = append(lines, fmt.Sprintf("__%s__", title))
		for _, e := range g.Entries {
			lines = append(lines, itemLine(e))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return truncate(strings.Join(sections, "\n\n"), 4096)
}

func inventoryEmbed(view *InventoryView) *discordgo.MessageEmbed {
	summary := view.Summary
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🎒 %s's Inventory", view.User.Name()),
		Color:       colorBlurple,
		Description: inventoryDescription(summary),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📦 Total Items", Value: fmt.Sprintf("%d", summary.TotalQuantity), Inline: true},
			{
				Name:   "🎯 Inventory Slots",
				Value:  fmt.Sprintf("%d/%d", summary.UniqueItems, inventorySlots),
				Inline: true,
			},
			{Name: "💰 Total Value", Value: fmt.Sprintf("%d gold", summary.TotalValue), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Tip: Use items during battles for strategic advantages!"},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// equipmentErrorMessage renders an equip/unequip failure for the user
func equipmentErrorMessage(action string, itemName string, err error) string {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return fmt.Sprintf("❌ There's no item named **%s**.", itemName)
	case errors.Is(err, ErrNotInInventory):
		return fmt.Sprintf("❌ You don't have **%s** in your inventory.", itemName)
	case errors.Is(err, ErrNotEquippable):
		return fmt.Sprintf("❌ **%s** can't be equipped.", itemName)
	default:
		return fmt.Sprintf("❌ Failed to %s item. Please try again later.", action)
	}
}

func (b *Bot) handleEquip(ctx context.Context, h InteractionHandler) error {
	return b.handleEquipment(ctx, h, true)
}

func (b *Bot) handleUnequip(ctx context.Context, h InteractionHandler) error {
	return b.handleEquipment(ctx, h, false)
}

func (b *Bot) handleEquipment(ctx context.Context, h InteractionHandler, equip bool) error {
	logger := contextLoggerOr(ctx, b.logger)
	action := "unequip"
	if equip {
		action = "equip"
	}

	id, _, err := interactionIdentity(h)
	if err != nil {
		return err
	}
	itemName := strings.TrimSpace(stringOption(h, optionItem))
	if itemName == "" {
		return replyEphemeral(ctx, h, "❌ Please specify an item.")
	}

	_, inventory, err := b.services()
	if err != nil {
		logger.ErrorContext(ctx, "error updating equipment", tint.Err(err))
		return replyEphemeral(ctx, h, equipmentErrorMessage(action, itemName, err))
	}

	var item *Item
	if equip {
		item, err = inventory.Equip(ctx, id, itemName)
	} else {
		item, err = inventory.Unequip(ctx, id, itemName)
	}
	if err != nil {
		if item != nil {
			itemName = item.Name
		}
		logger.WarnContext(
			ctx,
			"error updating equipment",
			"action", action,
			"item", itemName,
			tint.Err(err),
		)
		return replyEphemeral(ctx, h, equipmentErrorMessage(action, itemName, err))
	}

	content := fmt.Sprintf("✅ Unequipped **%s**.", item.Name)
	if equip {
		content = fmt.Sprintf("✅ Equipped **%s**.", item.Name)
	}
	return h.Respond(ctx, ephemeralResponse(content))
}
