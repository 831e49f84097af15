package lightbind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway connection and routes inbound chat
// messages into the command dispatcher.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	lb                          *Lightbind
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, errors.New("discord token is required")
	}
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// handlerMessageCreate routes inbound guild/DM messages into the
// dispatcher. Bot authors (including ourselves) are ignored before any
// other work happens.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		author := getDiscordUser(m)
		if author == nil || author.Bot {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil &&
			author.ID == s.State.User.ID {
			return
		}

		ctx := context.Background()
		requestID, _ := generateRandomHexString(8)
		log := d.logger.With(
			"request_id", requestID,
			"message_id", m.ID,
			"author_id", author.ID,
		)
		ctx = WithLogger(ctx, log)

		req := &CommandRequest{
			SubjectID:   author.ID,
			Permission:  d.permissionLevel(m),
			ChannelID:   m.ChannelID,
			RawText:     m.Content,
			DiscordUser: *author,
		}
		result := d.lb.dispatcher.Dispatch(ctx, req)
		if result.Command == "" {
			return
		}

		reply := result.Reply
		if reply == "" && result.Err != nil {
			reply = rejectionNotice(result.Err)
		}
		if reply == "" {
			return
		}

		_, sendErr := d.session.ChannelMessageSendReply(
			m.ChannelID,
			reply,
			m.Reference(),
		)
		if sendErr != nil {
			log.Error("error sending command reply", tint.Err(sendErr))
		}
	}
}

// permissionLevel resolves the caller's permission level from their
// guild roles. When the gateway payload omits the member (DMs, partial
// payloads), the member is fetched from the home guild; callers with no
// resolvable membership or no recognized roles are public.
func (d *Discord) permissionLevel(m *discordgo.MessageCreate) PermissionLevel {
	member := m.Member
	if member == nil {
		member = d.resolveMember(m)
	}
	if member == nil {
		return PermissionPublic
	}
	level := PermissionPublic
	for _, roleID := range member.Roles {
		switch {
		case slices.Contains(d.config.AdminRoleIDs, roleID):
			return PermissionAdmin
		case slices.Contains(d.config.StaffRoleIDs, roleID):
			level = PermissionStaff
		}
	}
	return level
}

// resolveMember fetches the author's membership over the REST API,
// against the message's guild or, for DMs, the configured home guild.
// Returns nil when no guild is known or the lookup fails.
func (d *Discord) resolveMember(m *discordgo.MessageCreate) *discordgo.Member {
	author := getDiscordUser(m)
	if author == nil {
		return nil
	}
	guildID := m.GuildID
	if guildID == "" {
		guildID = d.config.GuildID
	}
	if guildID == "" {
		return nil
	}
	member, err := d.session.GuildMember(guildID, author.ID)
	if err != nil {
		d.logger.Warn(
			"unable to resolve guild member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", author.ID,
		)
		return nil
	}
	return member
}

// rejectionNotice is the lightweight user-facing notice for
// permission/cooldown failures. Unknown errors get a generic line so
// internal detail never leaks to chat.
func rejectionNotice(err error) string {
	var cooldown OnCooldownError
	switch {
	case errors.As(err, &cooldown):
		return fmt.Sprintf(
			"Slow down! Try again in %s.",
			cooldown.Remaining.Round(100*time.Millisecond),
		)
	case errors.Is(err, ErrInsufficientPermission):
		return "You don't have permission to use that command."
	default:
		return "Something went wrong, please try again in a moment."
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMember returns a guild member, used to resolve roles for
	// permission levels when the gateway payload omits them
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}
