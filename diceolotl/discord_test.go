package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overwriteCall is a recorded ApplicationCommandBulkOverwrite call
type overwriteCall struct {
	AppID    string
	GuildID  string
	Commands []*discordgo.ApplicationCommand
}

// mockDiscordSession is a mock implementation of the
// DiscordSessionHandler interface. Registered commands are kept per
// guild ID (empty for global), and handlers, responses and follow-ups
// are recorded for assertions.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu           sync.Mutex
	registered   map[string][]*discordgo.ApplicationCommand
	overwrites   []overwriteCall
	handlers     []any
	onceHandlers []any
	responses    []*discordgo.InteractionResponse
	followUps    []*discordgo.WebhookParams
	edits        []*discordgo.WebhookEdit
	gameStatus   string
	opened       bool
	closed       bool

	guilds     []*discordgo.Guild
	members    map[string][]*discordgo.Member
	memberErrs map[string]error
	botUser    *discordgo.User
	latency    time.Duration

	listErr      error
	overwriteErr error
	respondErr   error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	m := &mockDiscordSession{
		logLevel:   &slog.LevelVar{},
		registered: map[string][]*discordgo.ApplicationCommand{},
		members:    map[string][]*discordgo.Member{},
		memberErrs: map[string]error{},
		botUser: &discordgo.User{
			ID:       "1158132946219147355",
			Username: "Dice-o-lotl",
			Bot:      true,
		},
		latency: 42 * time.Millisecond,
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler", "test_name", t.Name())
	return m
}

// addGuild adds a guild to the session state, with the given members
func (d *mockDiscordSession) addGuild(guildID string, members ...*discordgo.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guilds = append(
		d.guilds, &discordgo.Guild{
			ID:          guildID,
			Name:        "guild_" + guildID,
			MemberCount: len(members),
		},
	)
	sorted := append([]*discordgo.Member{}, members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].User.ID < sorted[j].User.ID })
	d.members[guildID] = sorted
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("opened session")
	d.opened = true
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("closed session")
	d.closed = true
	return nil
}

func (d *mockDiscordSession) ApplicationCommands(
	appID string,
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	d.logger.Info("list application commands", "app_id", appID, "guild_id", guildID)
	return append([]*discordgo.ApplicationCommand{}, d.registered[guildID]...), nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overwrites = append(
		d.overwrites,
		overwriteCall{AppID: appID, GuildID: guildID, Commands: commands},
	)
	if d.overwriteErr != nil {
		return nil, d.overwriteErr
	}
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
		"commands", len(commands),
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			ID:            fmt.Sprintf("cmd_%s", c.Name),
			ApplicationID: appID,
			GuildID:       guildID,
			Name:          c.Name,
			Description:   c.Description,
		}
	}
	d.registered[guildID] = cmds
	return cmds, nil
}

func (d *mockDiscordSession) AddHandler(handler any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) AddHandlerOnce(handler any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onceHandlers = append(d.onceHandlers, handler)
	return func() {
		d.logger.Info("mock-removed once handler function")
	}
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.respondErr != nil {
		return d.respondErr
	}
	d.logger.Info("mock responding to interaction", "interaction_id", interaction.ID)
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock getting interaction", "interaction_id", interaction.ID)
	return &discordgo.Message{Timestamp: time.Now()}, nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("mock editing interaction", "interaction_id", interaction.ID)
	d.edits = append(d.edits, newresp)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("mock deleting interaction", "interaction_id", interaction.ID)
	return nil
}

func (d *mockDiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("mock follow-up", "interaction_id", interaction.ID)
	d.followUps = append(d.followUps, data)
	return &discordgo.Message{Content: data.Content}, nil
}

func (d *mockDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.memberErrs[guildID]; err != nil {
		return nil, err
	}
	var page []*discordgo.Member
	for _, m := range d.members[guildID] {
		if after != "" && m.User.ID <= after {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (d *mockDiscordSession) UpdateGameStatus(_ int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gameStatus = name
	return nil
}

func (d *mockDiscordSession) HeartbeatLatency() time.Duration {
	return d.latency
}

func (d *mockDiscordSession) Guilds() []*discordgo.Guild {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.Guild{}, d.guilds...)
}

func (d *mockDiscordSession) BotUser() *discordgo.User {
	return d.botUser
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	d.logger.Info("mock setting http client")
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) {
	d.logLevel.Set(lvl)
}

func (d *mockDiscordSession) overwriteCalls() []overwriteCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]overwriteCall{}, d.overwrites...)
}

func (d *mockDiscordSession) registeredNames(guildID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.registered[guildID]))
	for _, c := range d.registered[guildID] {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// stubInteractionHandler implements InteractionHandler, sending each
// call on a buffered channel
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	callRespond     chan *discordgo.InteractionResponse
	callFollowUp    chan *discordgo.WebhookParams
	callGetResponse chan struct{}
	callEdit        chan *discordgo.WebhookEdit
	callDelete      chan struct{}

	respondErr  error
	followUpErr error

	replied  atomic.Bool
	deferred atomic.Bool
}

func newStubInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) *stubInteractionHandler {
	t.Helper()
	return &stubInteractionHandler{
		interaction:     i,
		logger:          slog.Default().With("test_name", t.Name()),
		callRespond:     make(chan *discordgo.InteractionResponse, 100),
		callFollowUp:    make(chan *discordgo.WebhookParams, 100),
		callGetResponse: make(chan struct{}, 100),
		callEdit:        make(chan *discordgo.WebhookEdit, 100),
		callDelete:      make(chan struct{}, 100),
	}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	r *discordgo.InteractionResponse,
) error {
	if s.respondErr != nil {
		return s.respondErr
	}
	s.callRespond <- r
	if isDeferredResponse(r.Type) {
		s.deferred.Store(true)
	} else {
		s.replied.Store(true)
	}
	return nil
}

func (s *stubInteractionHandler) FollowUp(
	_ context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	if s.followUpErr != nil {
		return nil, s.followUpErr
	}
	s.callFollowUp <- params
	return &discordgo.Message{Content: params.Content}, nil
}

func (s *stubInteractionHandler) GetResponse(context.Context) (*discordgo.Message, error) {
	s.callGetResponse <- struct{}{}
	return &discordgo.Message{Timestamp: time.Now()}, nil
}

func (s *stubInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.logger.DebugContext(ctx, "edit called")
	s.callEdit <- e
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Delete(ctx context.Context, _ ...discordgo.RequestOption) {
	s.logger.DebugContext(ctx, "delete called")
	s.callDelete <- struct{}{}
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Replied() bool {
	return s.replied.Load()
}

func (s *stubInteractionHandler) Deferred() bool {
	return s.deferred.Load()
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// receiveResponse returns the next initial response sent by the handler
func (s *stubInteractionHandler) receiveResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	select {
	case r := <-s.callRespond:
		return r
	default:
		t.Fatalf("expected a response")
		return nil
	}
}

// receiveFollowUp returns the next follow-up sent by the handler
func (s *stubInteractionHandler) receiveFollowUp(t testing.TB) *discordgo.WebhookParams {
	t.Helper()
	select {
	case p := <-s.callFollowUp:
		return p
	default:
		t.Fatalf("expected a follow-up")
		return nil
	}
}

// receiveEdit returns the next edit sent by the handler
func (s *stubInteractionHandler) receiveEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	select {
	case e := <-s.callEdit:
		return e
	default:
		t.Fatalf("expected an edit")
		return nil
	}
}

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID, with the user ID also included in the username and global name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return &discordgo.User{
		ID:         name,
		Username:   fmt.Sprintf("u_%s", name),
		GlobalName: fmt.Sprintf("g_%s", name),
	}
}

// newDiscordInteraction returns a slash command interaction for the
// named command, invoked by u in a guild. opts are string options.
func newDiscordInteraction(
	t testing.TB,
	u *discordgo.User,
	command string,
	opts map[string]string,
) *discordgo.InteractionCreate {
	t.Helper()
	var options []*discordgo.ApplicationCommandInteractionDataOption
	for name, value := range opts {
		options = append(
			options, &discordgo.ApplicationCommandInteractionDataOption{
				Name:  name,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: value,
			},
		)
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("i_%s", strings.ReplaceAll(t.Name(), "/", "_")),
			AppID:     "app",
			GuildID:   "guild",
			ChannelID: "channel",
			Member:    &discordgo.Member{User: u, GuildID: "guild"},
			Context:   discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        command,
				Options:     options,
			},
		},
	}
}

func TestGatewayHandler_RespondTracksState(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession(t)
	i := newDiscordInteraction(t, newDiscordUser(t), commandPing, nil)
	ctx := context.Background()

	h := NewGatewayHandler(session, i, nil)
	assert.False(t, h.Replied())
	assert.False(t, h.Deferred())

	require.NoError(t, h.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)))
	assert.True(t, h.Deferred())
	assert.False(t, h.Replied())

	content := "done"
	_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	require.NoError(t, err)

	_, err = h.FollowUp(ctx, &discordgo.WebhookParams{Content: "later"})
	require.NoError(t, err)

	h2 := NewGatewayHandler(session, i, nil)
	require.NoError(t, h2.Respond(ctx, ephemeralResponse("hi")))
	assert.True(t, h2.Replied())
	assert.False(t, h2.Deferred())

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.responses, 2)
	assert.Equal(t, "hi", session.responses[1].Data.Content)
	require.Len(t, session.edits, 1)
	assert.Equal(t, "done", *session.edits[0].Content)
	require.Len(t, session.followUps, 1)
	assert.Equal(t, "later", session.followUps[0].Content)
}

func TestGatewayHandler_RespondErrorKeepsState(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession(t)
	session.respondErr = errors.New("unknown interaction")
	i := newDiscordInteraction(t, newDiscordUser(t), commandPing, nil)

	h := NewGatewayHandler(session, i, nil)
	err := h.Respond(context.Background(), ephemeralResponse("hi"))
	require.Error(t, err)
	assert.False(t, h.Replied())
	assert.False(t, h.Deferred())
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	t.Parallel()
	d := newDiscord(&DiscordConfig{}, nil)

	connect := d.handlerConnect()
	disconnect := d.handlerDisconnect()
	s := &discordgo.Session{}

	connect(s, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	disconnect(s, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())

	connect(s, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(2), d.metricConnects.Load())
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	u := newDiscordUser(t)

	guild := newDiscordInteraction(t, u, commandPing, nil)
	assert.Equal(t, u, getDiscordUser(guild))

	dm := newDiscordInteraction(t, u, commandPing, nil)
	dm.Member = nil
	dm.User = u
	assert.Equal(t, u, getDiscordUser(dm))

	assert.Nil(t, getDiscordUser(nil))
	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{}))
	assert.Nil(
		t,
		getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}),
	)
}
