package diceolotl

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnUserDiscordID   = "discord_id"
	columnUserUsername    = "username"
	columnUserDisplayName = "display_name"
)

// ModelUintID is an embeddable serial primary key
type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ModelTimestamps is an embeddable pair of creation/update timestamps.
// updated_at is also maintained by a database trigger, so raw updates
// that bypass gorm still bump it.
type ModelTimestamps struct {
	CreatedAt time.Time `gorm:"autoCreateTime;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// User is a Discord user known to the bot.
//
//nolint:lll // struct tags can't be split
type User struct {
	ModelUintID

	// DiscordID is the Discord snowflake for the user
	DiscordID string `gorm:"type:varchar(20);uniqueIndex;not null" json:"discord_id"`

	// Username, not unique
	Username string `gorm:"type:varchar(100);not null" json:"username"`

	// DisplayName is the user's global display name, if they've set one
	DisplayName *string `gorm:"type:varchar(100)" json:"display_name,omitempty"`

	ModelTimestamps
}

func (u User) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(u.ID)),
		slog.String("discord_id", u.DiscordID),
		slog.String("username", u.Username),
	}
	if u.DisplayName != nil {
		attrs = append(attrs, slog.String("display_name", *u.DisplayName))
	}
	return slog.GroupValue(attrs...)
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.DiscordID)
}

// Name returns the display name if set, otherwise the username
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// identityChanged returns true if the given identity has a different
// username or display name than the stored user
func (u *User) identityChanged(id Identity) bool {
	return u.Username != id.Username ||
		stringPointerValue(u.DisplayName) != id.DisplayName
}

// Identity is the subset of a Discord user the bot persists
type Identity struct {
	DiscordID   string `json:"discord_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
}

func (i Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("discord_id", i.DiscordID),
		slog.String("username", i.Username),
		slog.String("display_name", i.DisplayName),
	)
}

// NewIdentity returns the Identity for a Discord user. The display name
// is the user's global name, when set.
func NewIdentity(u *discordgo.User) Identity {
	if u == nil {
		return Identity{}
	}
	return Identity{
		DiscordID:   u.ID,
		Username:    u.Username,
		DisplayName: u.GlobalName,
		Bot:         u.Bot,
	}
}

// getDiscordUser returns the user that created the interaction. In
// guilds, User is nil and the user is on Member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil || i.Interaction == nil {
		return nil
	}
	if i.User != nil {
		return i.User
	}
	if i.Member != nil {
		return i.Member.User
	}
	return nil
}

func newUser(id Identity) *User {
	return &User{
		DiscordID:   id.DiscordID,
		Username:    id.Username,
		DisplayName: stringPointer(id.DisplayName),
	}
}
