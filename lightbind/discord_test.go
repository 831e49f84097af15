package lightbind

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession records sent messages and replies without touching
// the gateway. Members are served from the members map, keyed by
// "guildID/userID".
type mockDiscordSession struct {
	mu      sync.Mutex
	sent    []string
	replies []string
	members map[string]*discordgo.Member
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, message)
	return &discordgo.Message{Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	_ string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member := m.members[guildID+"/"+userID]
	if member == nil {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func (m *mockDiscordSession) AddHandler(any) func()        { return func() {} }
func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) lastReply() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return ""
	}
	return m.replies[len(m.replies)-1]
}

func (m *mockDiscordSession) replyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

func newTestDiscord(t testing.TB, lb *Lightbind) (
	*Discord,
	*mockDiscordSession,
) {
	t.Helper()
	session := &mockDiscordSession{}
	lb.discord.session = session
	return lb.discord, session
}

func testMessageCreate(
	authorID string,
	content string,
	roles ...string,
) *discordgo.MessageCreate {
	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			ChannelID: "channel-id",
			Content:   content,
			Author: &discordgo.User{
				ID:       authorID,
				Username: authorID,
			},
		},
	}
	if len(roles) > 0 {
		m.Member = &discordgo.Member{Roles: roles}
	}
	return m
}

func TestHandlerMessageCreateDispatches(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	disc, session := newTestDiscord(t, lb)

	handler := disc.handlerMessageCreate()
	handler(nil, testMessageCreate(t.Name(), "!verify 12345"))

	require.Equal(t, 1, session.replyCount())
	vc := lb.verifier.Status(t.Name())
	require.NotNil(t, vc)
	assert.Contains(t, session.lastReply(), vc.ChallengeToken)
}

func TestHandlerMessageCreateIgnoresNonCommands(t *testing.T) {
	t.Parallel()
	lb := newLightbind(t, nil)
	disc, session := newTestDiscord(t, lb)

	handler := disc.handlerMessageCreate()
	handler(nil, testMessageCreate(t.Name(), "just chatting"))
	handler(nil, testMessageCreate(t.Name(), "!unregistered"))

	assert.Zero(t, session.replyCount())
}

func TestHandlerMessageCreateIgnoresBots(t *testing.T) {
	t.Parallel()
	lb := newLightbind(t, nil)
	disc, session := newTestDiscord(t, lb)

	m := testMessageCreate(t.Name(), "!help")
	m.Author.Bot = true
	disc.handlerMessageCreate()(nil, m)

	assert.Zero(t, session.replyCount())
}

func TestHandlerMessageCreatePermissionNotice(t *testing.T) {
	t.Parallel()
	lb := newLightbind(t, nil)
	disc, session := newTestDiscord(t, lb)

	disc.handlerMessageCreate()(nil, testMessageCreate(t.Name(), "!lookup foo"))

	require.Equal(t, 1, session.replyCount())
	assert.Contains(t, session.lastReply(), "permission")
}

func TestPermissionLevelResolution(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.StaffRoleIDs = []string{"staff-role"}
	cfg.Discord.AdminRoleIDs = []string{"admin-role"}
	lb := newLightbind(t, cfg)
	disc := lb.discord

	// DMs carry no member object
	assert.Equal(
		t,
		PermissionPublic,
		disc.permissionLevel(testMessageCreate(t.Name(), "!help")),
	)
	assert.Equal(
		t,
		PermissionPublic,
		disc.permissionLevel(
			testMessageCreate(t.Name(), "!help", "unrelated-role"),
		),
	)
	assert.Equal(
		t,
		PermissionStaff,
		disc.permissionLevel(
			testMessageCreate(t.Name(), "!help", "staff-role"),
		),
	)
	assert.Equal(
		t,
		PermissionAdmin,
		disc.permissionLevel(
			testMessageCreate(t.Name(), "!help", "staff-role", "admin-role"),
		),
	)
}

func TestPermissionLevelResolvesMemberOverREST(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.GuildID = "home-guild"
	cfg.Discord.StaffRoleIDs = []string{"staff-role"}
	lb := newLightbind(t, cfg)
	disc, session := newTestDiscord(t, lb)
	session.members = map[string]*discordgo.Member{
		"home-guild/" + t.Name(): {Roles: []string{"staff-role"}},
	}

	// DM payloads carry no member, so roles come from the home guild
	assert.Equal(
		t,
		PermissionStaff,
		disc.permissionLevel(testMessageCreate(t.Name(), "!help")),
	)

	// A caller the guild doesn't know stays public
	assert.Equal(
		t,
		PermissionPublic,
		disc.permissionLevel(testMessageCreate("stranger", "!help")),
	)
}

func TestRejectionNotice(t *testing.T) {
	t.Parallel()
	assert.Contains(
		t,
		rejectionNotice(OnCooldownError{Remaining: 3 * time.Second}),
		"Slow down",
	)
	assert.Contains(
		t,
		rejectionNotice(ErrInsufficientPermission),
		"permission",
	)
	assert.Contains(
		t,
		rejectionNotice(errors.New("boom")),
		"Something went wrong",
	)
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	author := &discordgo.User{ID: t.Name()}

	m := &discordgo.MessageCreate{Message: &discordgo.Message{Author: author}}
	assert.Equal(t, author, getDiscordUser(m))

	m = &discordgo.MessageCreate{
		Message: &discordgo.Message{
			Member: &discordgo.Member{User: author},
		},
	}
	assert.Equal(t, author, getDiscordUser(m))

	m = &discordgo.MessageCreate{Message: &discordgo.Message{}}
	assert.Nil(t, getDiscordUser(m))
}

func TestChannelMessageSend(t *testing.T) {
	t.Parallel()
	lb := newLightbind(t, nil)
	disc, session := newTestDiscord(t, lb)

	require.NoError(t, disc.channelMessageSend("channel-id", "hello"))
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.sent, 1)
	assert.Equal(t, "hello", session.sent[0])
}

func TestRegisteredCommands(t *testing.T) {
	t.Parallel()
	lb := newLightbind(t, nil)

	names := map[string]bool{}
	for _, cmd := range lb.dispatcher.Commands() {
		names[cmd.Name] = true
	}
	for _, expected := range []string{
		"verify", "verifystatus", "lookup", "products", "help",
	} {
		assert.True(t, names[expected], "missing command %q", expected)
	}
}
