package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// GuildMemberLister lists the guilds the bot is in, and their members
type GuildMemberLister interface {
	Guilds() []*discordgo.Guild
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)
}

// SyncResult reports what SyncUser did for a single user
type SyncResult struct {
	Created bool `json:"created"`
	Updated bool `json:"updated"`
}

// SyncSummary reports the outcome of SyncAllUsers
type SyncSummary struct {
	Guilds       int   `json:"guilds"`
	GuildsFailed int   `json:"guilds_failed"`
	Processed    int64 `json:"processed"`
	Created      int64 `json:"created"`
	Updated      int64 `json:"updated"`
	Failed       int64 `json:"failed"`
}

func (s SyncSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("guilds", s.Guilds),
		slog.Int("guilds_failed", s.GuildsFailed),
		slog.Int64("processed", s.Processed),
		slog.Int64("created", s.Created),
		slog.Int64("updated", s.Updated),
		slog.Int64("failed", s.Failed),
	)
}

// UserStats is the number of guilds, the number of (non-bot) members
// across them, and the number of users stored in the database
type UserStats struct {
	TotalGuilds int   `json:"total_guilds"`
	TotalUsers  int   `json:"total_users"`
	StoredUsers int64 `json:"stored_users"`
}

// UserSyncService keeps the users table in line with the members of the
// guilds the bot is in. Member data is never deleted when someone leaves.
type UserSyncService struct {
	store       Store
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger
}

func NewUserSyncService(
	store Store,
	config *UserSyncConfig,
	logger *slog.Logger,
) *UserSyncService {
	if logger == nil {
		logger = slog.Default()
	}
	rps := DefaultUserSyncRequestsPerSecond
	concurrency := DefaultUserSyncConcurrency
	if config != nil {
		if config.RequestsPerSecond > 0 {
			rps = config.RequestsPerSecond
		}
		if config.Concurrency > 0 {
			concurrency = config.Concurrency
		}
	}
	return &UserSyncService{
		store:       store,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		concurrency: concurrency,
		logger:      logger.With(loggerNameKey, "user_sync"),
	}
}

// SyncUser creates the user if it doesn't exist yet, or updates its
// username and display name if they changed.
func (s *UserSyncService) SyncUser(ctx context.Context, id Identity) (SyncResult, error) {
	var result SyncResult
	if id.DiscordID == "" {
		return result, errors.New("missing discord user ID")
	}

	existing, err := s.store.GetUserByDiscordID(ctx, id.DiscordID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		_, created, createErr := s.store.GetOrCreateUser(ctx, id)
		if createErr != nil {
			return result, fmt.Errorf("error creating user: %w", createErr)
		}
		result.Created = created
		return result, nil
	case err != nil:
		return result, fmt.Errorf("error getting user: %w", err)
	}

	if !existing.identityChanged(id) {
		return result, nil
	}
	if err = s.store.UpdateUser(ctx, existing, id); err != nil {
		return result, fmt.Errorf("error updating user: %w", err)
	}
	result.Updated = true
	return result, nil
}

// SyncAllUsers syncs every non-bot member of every guild. A guild whose
// members can't be fetched, or a user that fails to sync, is logged and
// skipped.
func (s *UserSyncService) SyncAllUsers(
	ctx context.Context,
	session GuildMemberLister,
) (SyncSummary, error) {
	logger := contextLoggerOr(ctx, s.logger)
	guilds := session.Guilds()
	summary := SyncSummary{Guilds: len(guilds)}

	logger.InfoContext(ctx, "Starting user synchronization", "guilds", len(guilds))

	var processed, created, updated, failed atomic.Int64
	var guildsFailed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, guild := range guilds {
		g.Go(
			func() error {
				glog := logger.With(
					slog.Group("guild", "id", guild.ID, "name", guild.Name),
				)
				glog.InfoContext(gctx, "Syncing users from guild", "member_count", guild.MemberCount)
				err := s.eachMember(
					gctx, session, guild.ID, func(m *discordgo.Member) {
						id := NewIdentity(m.User)
						result, syncErr := s.SyncUser(gctx, id)
						if syncErr != nil {
							failed.Add(1)
							glog.ErrorContext(
								gctx,
								"Failed to sync user",
								slog.Group("identity", identityLogAttrs(id)...),
								tint.Err(syncErr),
							)
							return
						}
						processed.Add(1)
						if result.Created {
							created.Add(1)
						}
						if result.Updated {
							updated.Add(1)
						}
					},
				)
				if err != nil {
					guildsFailed.Add(1)
					glog.ErrorContext(gctx, "Failed to fetch members from guild", tint.Err(err))
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	summary.GuildsFailed = int(guildsFailed.Load())
	summary.Processed = processed.Load()
	summary.Created = created.Load()
	summary.Updated = updated.Load()
	summary.Failed = failed.Load()

	if err := ctx.Err(); err != nil {
		logger.WarnContext(ctx, "user synchronization interrupted", "summary", summary, tint.Err(err))
		return summary, err
	}
	logger.InfoContext(ctx, "User sync complete", "summary", summary)
	return summary, nil
}

// Stats counts guilds and their non-bot members, along with the number
// of users in the database
func (s *UserSyncService) Stats(ctx context.Context, session GuildMemberLister) (
	UserStats,
	error,
) {
	guilds := session.Guilds()
	stats := UserStats{TotalGuilds: len(guilds)}

	var errs []error
	for _, guild := range guilds {
		err := s.eachMember(
			ctx, session, guild.ID, func(*discordgo.Member) {
				stats.TotalUsers++
			},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", guild.ID, err))
		}
	}

	stored, err := s.store.CountUsers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("error counting users: %w", err))
	}
	stats.StoredUsers = stored
	return stats, errors.Join(errs...)
}

// HandleMemberAdd syncs a member that joined a guild
func (s *UserSyncService) HandleMemberAdd(ctx context.Context, member *discordgo.Member) error {
	if member == nil || member.User == nil || member.User.Bot {
		return nil
	}
	logger := contextLoggerOr(ctx, s.logger)
	id := NewIdentity(member.User)

	logger.InfoContext(
		ctx,
		"New member joined",
		slog.Group("identity", identityLogAttrs(id)...),
		"guild_id", member.GuildID,
	)
	result, err := s.SyncUser(ctx, id)
	if err != nil {
		return fmt.Errorf("error syncing new member %s: %w", id.Username, err)
	}
	if result.Created {
		logger.InfoContext(
			ctx,
			"Created database entry for new user",
			slog.Group("identity", identityLogAttrs(id)...),
		)
	}
	return nil
}

// HandleMemberRemove only logs. Users who leave keep their data, in case
// they come back.
func (s *UserSyncService) HandleMemberRemove(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.Bot {
		return
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"Member left, keeping data",
		"identity", NewIdentity(member.User),
		"guild_id", member.GuildID,
	)
}

// HandleUserUpdate updates the stored username and display name of a
// user that changed them
func (s *UserSyncService) HandleUserUpdate(ctx context.Context, u *discordgo.User) error {
	if u == nil || u.Bot {
		return nil
	}
	id := NewIdentity(u)
	result, err := s.SyncUser(ctx, id)
	if err != nil {
		return fmt.Errorf("error syncing updated user %s: %w", id.Username, err)
	}
	if result.Updated {
		contextLoggerOr(ctx, s.logger).InfoContext(
			ctx,
			"Updated database for user",
			slog.Group("identity", identityLogAttrs(id)...),
		)
	}
	return nil
}

// eachMember pages through a guild's members, calling fn for every
// member that isn't a bot. Each page request waits on the rate limiter.
func (s *UserSyncService) eachMember(
	ctx context.Context,
	session GuildMemberLister,
	guildID string,
	fn func(m *discordgo.Member),
) error {
	after := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		cursor := after
		members, err := session.GuildMembers(
			guildID,
			after,
			discordMaxMembersPerRequest,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.User == nil {
				continue
			}
			after = m.User.ID
			if m.User.Bot {
				continue
			}
			fn(m)
		}
		if len(members) < discordMaxMembersPerRequest {
			return nil
		}
		// the next page starts after the last member with a user, so a
		// page without one would be requested again
		if after == cursor {
			contextLoggerOr(ctx, s.logger).WarnContext(
				ctx,
				"member page had no users, stopping",
				"guild_id", guildID,
				"after", after,
			)
			return nil
		}
	}
}
