package diceolotl

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	botDescription = "A Discord bot with RPG and dice rolling features. " +
		"Created for the AxolotlArmy community."
	botAuthor        = "Bonsailinse"
	botAuthorURL     = "https://github.com/Bonsailinse"
	botRepositoryURL = "https://github.com/Bonsailinse/dice-o-lotl"
	botDocsURL       = "https://github.com/Bonsailinse/dice-o-lotl#readme"
	botPermissions   = 2147870784
)

var botFeatures = []string{
	"Slash Commands",
	"RPG Character System",
	"Inventory Management",
	"Dice Rolling",
	"Profile Statistics",
	"Help System",
	"Event-Driven Architecture",
	"Modular Command Structure",
}

// categoryTitles are the help embed field names for known command
// categories
var categoryTitles = map[string]string{
	"general": "📌 General Commands",
	"rpg":     "⚔️ RPG Commands",
}

// botInviteURL returns the OAuth2 URL to add the bot to a server
func botInviteURL(clientID string) string {
	return fmt.Sprintf(
		"https://discord.com/oauth2/authorize?client_id=%s&permissions=%d"+
			"&integration_type=0&scope=bot+applications.commands",
		clientID,
		botPermissions,
	)
}

// handlePing replies, then edits the reply with the round trip and
// gateway heartbeat latency
func (b *Bot) handlePing(ctx context.Context, h InteractionHandler) error {
	err := h.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Pinging..."},
		},
	)
	if err != nil {
		return err
	}

	sent, err := h.GetResponse(ctx)
	if err != nil {
		return err
	}

	var latency time.Duration
	if created, tsErr := discordgo.SnowflakeTimestamp(h.GetInteraction().ID); tsErr == nil {
		latency = sent.Timestamp.Sub(created)
	}
	apiLatency := b.discord.session.HeartbeatLatency()

	content := fmt.Sprintf(
		"🏓 Pong!\n📊 **Latency:** %dms\n🌐 **API Latency:** %dms",
		latency.Milliseconds(),
		apiLatency.Milliseconds(),
	)
	_, err = h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// handleHelp lists the loaded commands, grouped by category
func (b *Bot) handleHelp(ctx context.Context, h InteractionHandler) error {
	byCategory := map[string][]string{}
	for _, cmd := range b.registry.Commands() {
		byCategory[cmd.Category] = append(
			byCategory[cmd.Category],
			fmt.Sprintf("`/%s` - %s", cmd.Name, cmd.Description),
		)
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(
		categories, func(i, j int) bool {
			// general first, then alphabetical
			if categories[i] == "general" || categories[j] == "general" {
				return categories[i] == "general"
			}
			return categories[i] < categories[j]
		},
	)

	fields := make([]*discordgo.MessageEmbedField, 0, len(categories)+1)
	for _, c := range categories {
		title, ok := categoryTitles[c]
		if !ok {
			title = fmt.Sprintf("📁 %s Commands", strings.ToUpper(c[:1])+c[1:])
		}
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  title,
				Value: truncate(strings.Join(byCategory[c], "\n"), 1024),
			},
		)
	}
	fields = append(
		fields, &discordgo.MessageEmbedField{
			Name:  "🎯 Getting Started",
			Value: "Use `/profile` to create your character and start your RPG journey!",
		},
	)

	embed := &discordgo.MessageEmbed{
		Title:       "🎮 Dice-o-lotl Help",
		Description: "Welcome to Dice-o-lotl! Here are the available commands:",
		Color:       colorSecondary,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%s %s", botName, Version)},
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	return h.Respond(ctx, embedResponse(embed))
}

// runtimeStats is a snapshot of the bot's process and gateway state
type runtimeStats struct {
	Uptime       time.Duration
	Latency      time.Duration
	MemoryUsedMB float64
	MemorySysMB  float64
	Guilds       int
	Members      int
	Channels     int
	Commands     int
}

func (b *Bot) runtimeStats() runtimeStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := runtimeStats{
		MemoryUsedMB: bytesToMB(mem.HeapAlloc),
		MemorySysMB:  bytesToMB(mem.HeapSys),
		Commands:     b.registry.Len(),
	}
	if !b.startedAt.IsZero() {
		stats.Uptime = time.Since(b.startedAt)
	}
	if b.discord.session != nil {
		stats.Latency = b.discord.session.HeartbeatLatency()
		guilds := b.discord.session.Guilds()
		stats.Guilds = len(guilds)
		for _, g := range guilds {
			stats.Members += g.MemberCount
			stats.Channels += len(g.Channels)
		}
	}
	return stats
}

func bytesToMB(n uint64) float64 {
	return math.Round(float64(n)/1024/1024*100) / 100
}

// healthStatus grades gateway latency and memory use
func healthStatus(latency time.Duration, memoryMB float64) (string, int) {
	ping := latency.Milliseconds()
	switch {
	case ping < 100 && memoryMB < 500:
		return "🟢 Excellent", 0x00ff00
	case ping < 200 && memoryMB < 1000:
		return "🟡 Good", 0xffff00
	case ping < 500 && memoryMB < 2000:
		return "🟠 Fair", 0xff8000
	default:
		return "🔴 Poor", 0xff0000
	}
}

// formatUptime renders a duration as days, hours, minutes and seconds,
// omitting zero parts
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

func (b *Bot) handleBotInfo(ctx context.Context, h InteractionHandler) error {
	stats := b.runtimeStats()
	botUser := b.discord.session.BotUser()

	features := make([]string, 0, len(botFeatures))
	for _, f := range botFeatures {
		features = append(features, "• "+f)
	}

	created := "Unknown"
	var thumbnail *discordgo.MessageEmbedThumbnail
	clientID := b.config.Discord.ApplicationID
	if botUser != nil {
		thumbnail = &discordgo.MessageEmbedThumbnail{URL: botUser.AvatarURL("")}
		if ts, err := discordgo.SnowflakeTimestamp(botUser.ID); err == nil {
			created = ts.Format("Mon Jan 02 2006")
		}
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s %s", brandEmoji, botName),
		Description: botDescription,
		Color:       colorPrimary,
		Thumbnail:   thumbnail,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "📊 Statistics",
				Value: strings.Join(
					[]string{
						fmt.Sprintf("**Guilds:** %d", stats.Guilds),
						fmt.Sprintf("**Users:** %d", stats.Members),
						fmt.Sprintf("**Channels:** %d", stats.Channels),
						fmt.Sprintf("**Commands:** %d", stats.Commands),
					}, "\n",
				),
				Inline: true,
			},
			{
				Name: "⚙️ System Info",
				Value: strings.Join(
					[]string{
						fmt.Sprintf("**Version:** %s", Version),
						fmt.Sprintf("**Go:** %s", runtime.Version()),
						fmt.Sprintf("**Memory:** %.2f MB", stats.MemoryUsedMB),
						fmt.Sprintf("**Uptime:** %s", formatUptime(stats.Uptime)),
					}, "\n",
				),
				Inline: true,
			},
			{
				Name:  "🚀 Features",
				Value: strings.Join(features, "\n"),
			},
			{
				Name:   "👤 Developer",
				Value:  fmt.Sprintf("Created by **[%s](%s)**", botAuthor, botAuthorURL),
				Inline: true,
			},
			{
				Name:   "📅 Bot Created",
				Value:  created,
				Inline: true,
			},
			{
				Name: "🛠️ Technical Stack",
				Value: strings.Join(
					[]string{
						"**Language:** Go",
						"**Library:** discordgo",
						"**Database:** gorm",
					}, "\n",
				),
				Inline: true,
			},
		},
		Footer:    brandingFooter(botUser),
		Timestamp: time.Now().Format(time.RFC3339),
	}

	return h.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Components: linkButtonRows(
					discordgo.Button{
						Label: "GitHub Repository",
						Style: discordgo.LinkButton,
						URL:   botRepositoryURL,
						Emoji: &discordgo.ComponentEmoji{Name: "📂"},
					},
					discordgo.Button{
						Label: "Documentation",
						Style: discordgo.LinkButton,
						URL:   botDocsURL,
						Emoji: &discordgo.ComponentEmoji{Name: "📖"},
					},
					discordgo.Button{
						Label: "Invite Bot",
						Style: discordgo.LinkButton,
						URL:   botInviteURL(clientID),
						Emoji: &discordgo.ComponentEmoji{Name: "➕"},
					},
				),
			},
		},
	)
}

// linkButtonRows lays out buttons in action rows of at most five
func linkButtonRows(buttons ...discordgo.Button) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(maxButtonsPerRow, buttons...) {
		row := discordgo.ActionsRow{}
		for _, btn := range chunk {
			row.Components = append(row.Components, btn)
		}
		rows = append(rows, row)
	}
	return rows
}

func (b *Bot) handleStatus(ctx context.Context, h InteractionHandler) error {
	stats := b.runtimeStats()
	health, color := healthStatus(stats.Latency, stats.MemoryUsedMB)

	var apiLatency time.Duration
	if created, err := discordgo.SnowflakeTimestamp(h.GetInteraction().ID); err == nil {
		apiLatency = time.Since(created)
	}
	usage := 0.0
	if stats.MemorySysMB > 0 {
		usage = math.Round(stats.MemoryUsedMB / stats.MemorySysMB * 100)
	}

	var footerIcon string
	if botUser := b.discord.session.BotUser(); botUser != nil {
		footerIcon = botUser.AvatarURL("")
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("📊 %s Status", botName),
		Description: fmt.Sprintf("**Health:** %s", health),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "🏓 Latency",
				Value: fmt.Sprintf(
					"**WebSocket:** %dms\n**API:** %dms",
					stats.Latency.Milliseconds(),
					apiLatency.Milliseconds(),
				),
				Inline: true,
			},
			{
				Name: "💾 Memory Usage",
				Value: fmt.Sprintf(
					"**Used:** %.2f MB\n**Total:** %.2f MB\n**Usage:** %.0f%%",
					stats.MemoryUsedMB,
					stats.MemorySysMB,
					usage,
				),
				Inline: true,
			},
			{
				Name:   "⏱️ Uptime",
				Value:  formatUptime(stats.Uptime),
				Inline: true,
			},
			{
				Name: "🌐 Connections",
				Value: fmt.Sprintf(
					"**Guilds:** %d\n**Users:** %d\n**Channels:** %d",
					stats.Guilds,
					stats.Members,
					stats.Channels,
				),
				Inline: true,
			},
			{
				Name: "⚙️ System",
				Value: fmt.Sprintf(
					"**Go:** %s\n**Platform:** %s\n**Arch:** %s",
					runtime.Version(),
					runtime.GOOS,
					runtime.GOARCH,
				),
				Inline: true,
			},
			{
				Name: "🎮 Bot Info",
				Value: fmt.Sprintf(
					"**Version:** %s\n**Commands:** %d\n**Events:** Active",
					Version,
					stats.Commands,
				),
				Inline: true,
			},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Last updated", IconURL: footerIcon},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	return h.Respond(ctx, embedResponse(embed))
}

// handleSync syncs every guild member to the database. It's restricted
// to administrators by the manifest's default_member_permissions.
func (b *Bot) handleSync(ctx context.Context, h InteractionHandler) error {
	logger := contextLoggerOr(ctx, b.logger)

	if err := h.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	b.dbMu.RLock()
	userSync := b.userSync
	b.dbMu.RUnlock()

	failed := func(err error) error {
		logger.ErrorContext(ctx, "Error in sync command", tint.Err(err))
		embed := &discordgo.MessageEmbed{
			Title:       "❌ Synchronization Failed",
			Color:       colorFailure,
			Description: "An error occurred during user synchronization.",
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Error", Value: truncate(err.Error(), 1024)},
			},
			Timestamp: time.Now().Format(time.RFC3339),
		}
		embeds := []*discordgo.MessageEmbed{embed}
		_, editErr := h.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
		return editErr
	}

	if userSync == nil {
		return failed(errStoreNotReady)
	}

	stats, err := userSync.Stats(ctx, b.discord.session)
	if err != nil {
		logger.WarnContext(ctx, "error getting user stats", tint.Err(err))
	}

	progress := []*discordgo.MessageEmbed{
		{
			Title:       "🔄 User Synchronization",
			Color:       colorPrimary,
			Description: "Starting user synchronization...",
			Fields: []*discordgo.MessageEmbedField{
				{Name: "📊 Guilds", Value: fmt.Sprintf("%d", stats.TotalGuilds), Inline: true},
				{Name: "👥 Total Users", Value: fmt.Sprintf("%d", stats.TotalUsers), Inline: true},
				{Name: "⏳ Status", Value: "In Progress...", Inline: true},
			},
			Timestamp: time.Now().Format(time.RFC3339),
		},
	}
	if _, err = h.Edit(ctx, &discordgo.WebhookEdit{Embeds: &progress}); err != nil {
		return err
	}

	summary, err := userSync.SyncAllUsers(ctx, b.discord.session)
	if err != nil {
		return failed(err)
	}

	completed := []*discordgo.MessageEmbed{
		{
			Title:       "✅ User Synchronization Complete",
			Color:       colorSuccess,
			Description: "All server members have been synchronized with the database.",
			Fields: []*discordgo.MessageEmbedField{
				{Name: "📊 Guilds", Value: fmt.Sprintf("%d", summary.Guilds), Inline: true},
				{Name: "👥 Total Users", Value: fmt.Sprintf("%d", stats.TotalUsers), Inline: true},
				{Name: "✅ Status", Value: "Complete", Inline: true},
				{
					Name: "📋 Results",
					Value: fmt.Sprintf(
						"**Processed:** %d\n**Created:** %d\n**Updated:** %d\n**Failed:** %d",
						summary.Processed,
						summary.Created,
						summary.Updated,
						summary.Failed,
					),
				},
			},
			Footer: &discordgo.MessageEmbedFooter{
				Text: "Users are automatically synced when they join/leave or update their profiles.",
			},
			Timestamp: time.Now().Format(time.RFC3339),
		},
	}
	_, err = h.Edit(ctx, &discordgo.WebhookEdit{Embeds: &completed})
	return err
}
