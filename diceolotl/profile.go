package diceolotl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
)

const (
	defaultProfileLevel        = 1
	defaultProfileExperience   = 0
	defaultProfileHealth       = 100
	defaultProfileMana         = 50
	defaultProfileAttribute    = 10
	defaultProfileGold         = 100
	inventorySlots             = 20
	experiencePerLevelModifier = 100
)

// PlayerProfile holds a user's RPG character state. There is at most one
// profile per user.
//
//nolint:lll // struct tags can't be split
type PlayerProfile struct {
	ModelUintID
	UserID       uint  `gorm:"uniqueIndex;not null" json:"user_id"`
	User         *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Level        int   `gorm:"default:1" json:"level"`
	Experience   int   `gorm:"default:0" json:"experience"`
	Health       int   `gorm:"default:100" json:"health"`
	MaxHealth    int   `gorm:"default:100" json:"max_health"`
	Mana         int   `gorm:"default:50" json:"mana"`
	MaxMana      int   `gorm:"default:50" json:"max_mana"`
	Strength     int   `gorm:"default:10" json:"strength"`
	Defense      int   `gorm:"default:10" json:"defense"`
	Agility      int   `gorm:"default:10" json:"agility"`
	Intelligence int   `gorm:"default:10" json:"intelligence"`
	Gold         int   `gorm:"default:100" json:"gold"`
	ModelTimestamps
}

func newPlayerProfile(userID uint) *PlayerProfile {
	return &PlayerProfile{
		UserID:       userID,
		Level:        defaultProfileLevel,
		Experience:   defaultProfileExperience,
		Health:       defaultProfileHealth,
		MaxHealth:    defaultProfileHealth,
		Mana:         defaultProfileMana,
		MaxMana:      defaultProfileMana,
		Strength:     defaultProfileAttribute,
		Defense:      defaultProfileAttribute,
		Agility:      defaultProfileAttribute,
		Intelligence: defaultProfileAttribute,
		Gold:         defaultProfileGold,
	}
}

func (p PlayerProfile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(p.ID)),
		slog.Uint64("user_id", uint64(p.UserID)),
		slog.Int("level", p.Level),
		slog.Int("experience", p.Experience),
		slog.Int("gold", p.Gold),
	)
}

// ExperienceToNextLevel is the total experience required to reach the
// next level
func (p PlayerProfile) ExperienceToNextLevel() int {
	return p.Level * experiencePerLevelModifier
}

// ProfileService reads and creates player profiles
type ProfileService struct {
	store  Store
	logger *slog.Logger
}

func NewProfileService(store Store, logger *slog.Logger) *ProfileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileService{store: store, logger: logger}
}

// Profile returns the user and profile for the given identity, creating
// either one if it doesn't exist yet.
func (s *ProfileService) Profile(ctx context.Context, id Identity) (
	*User,
	*PlayerProfile,
	error,
) {
	logger := contextLoggerOr(ctx, s.logger)

	user, created, err := s.store.GetOrCreateUser(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", "identity", id, tint.Err(err))
		return nil, nil, fmt.Errorf("error getting user: %w", err)
	}
	if created {
		logger.InfoContext(ctx, "created user", "user", user)
	}

	profile, created, err := s.store.GetOrCreatePlayerProfile(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting profile", "user", user, tint.Err(err))
		return user, nil, fmt.Errorf("error getting profile: %w", err)
	}
	if created {
		logger.InfoContext(ctx, "created player profile", "user", user, "profile", profile)
	}
	return user, profile, nil
}
