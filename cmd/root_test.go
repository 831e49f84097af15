package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

LB_DATABASE=/home/foo/lightbind.sqlite3
LB_DATABASE_TYPE=sqlite
LB_DATABASE_LOG_LEVEL=INFO
LB_DATABASE_SLOW_THRESHOLD=200ms
LB_LOG_LEVEL=INFO
LB_STARTUP_TIMEOUT=30s
LB_SHUTDOWN_TIMEOUT=60s

# Verification session config

LB_VERIFICATION_TTL=15m
LB_VERIFICATION_MAX_ATTEMPTS=3
LB_VERIFICATION_GRACE_PERIOD=2m
LB_VERIFICATION_SWEEP_INTERVAL=45s
LB_VERIFICATION_CHALLENGE_WORDS=8

# Discord bot config

LB_DISCORD_TOKEN=your-discord-bot-token
LB_DISCORD_COMMAND_PREFIX=!
LB_DISCORD_GUILD_ID=
LB_DISCORD_STAFF_ROLE_IDS=111,222
LB_DISCORD_ADMIN_ROLE_IDS=333
LB_DISCORD_NOTIFICATION_CHANNEL_ID=12345
LB_DISCORD_STARTUP_MESSAGE="I'm here!"
LB_DISCORD_LOG_LEVEL=WARN
LB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
LB_DISCORD_GATEWAY_INTENTS=3243773

# Roblox profile lookup

LB_ROBLOX_BASE_URL=https://users.roblox.com
LB_ROBLOX_REQUEST_TIMEOUT=5s

# API server

LB_API_LISTEN=127.0.0.1:5000
LB_API_SECRET=your-api-secret
LB_API_ADMIN_USERNAME=groucho
LB_API_LOG_LEVEL=DEBUG
LB_API_DEVELOPMENT=true
LB_API_VERIFY_REQUESTS_PER_SECOND=25
LB_API_SESSION_MAX_AGE=6h
LB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000,https://localhost:5000
LB_API_CORS_ALLOW_METHODS=GET,POST,OPTIONS,HEAD
LB_API_READ_TIMEOUT=5s
LB_API_READ_HEADER_TIMEOUT=5s
LB_API_WRITE_TIMEOUT=10s
LB_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/lightbind.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/lightbind.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assert.Equal(t, "INFO", viper.GetString("database_log_level"))

	assert.Equal(
		t,
		200*time.Millisecond,
		viper.GetDuration("database_slow_threshold"),
	)
	assert.Equal(t, "INFO", viper.GetString("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 15*time.Minute, viper.GetDuration("verification.ttl"))
	assert.Equal(t, 3, viper.GetInt("verification.max_attempts"))
	assert.Equal(t, 2*time.Minute, viper.GetDuration("verification.grace_period"))
	assert.Equal(
		t,
		45*time.Second,
		viper.GetDuration("verification.sweep_interval"),
	)
	assert.Equal(t, 8, viper.GetInt("verification.challenge_words"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "!", viper.GetString("discord.command_prefix"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "12345", viper.GetString("discord.notification_channel_id"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))

	assert.Equal(t, "WARN", viper.GetString("discord.log_level"))
	assert.Equal(t, "WARN", viper.GetString("discord.discordgo_log_level"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "https://users.roblox.com", viper.GetString("roblox.base_url"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("roblox.request_timeout"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.Equal(t, "groucho", viper.GetString("api.admin_username"))
	assert.Equal(t, "DEBUG", viper.GetString("api.log_level"))
	assert.True(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		float64(25),
		viper.GetFloat64("api.verify_requests_per_second"),
	)
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// PersistentPreRun should have unmarshaled the same values into cfg
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 15*time.Minute, cfg.Verification.TTL)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Verification.GracePeriod)
	assert.Equal(t, 45*time.Second, cfg.Verification.SweepInterval)
	assert.Equal(t, 8, cfg.Verification.ChallengeWords)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "!", cfg.Discord.CommandPrefix)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, []string{"111", "222"}, cfg.Discord.StaffRoleIDs)
	assert.Equal(t, []string{"333"}, cfg.Discord.AdminRoleIDs)
	assert.Equal(t, "12345", cfg.Discord.NotificationChannelID)
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	assert.Equal(t, "https://users.roblox.com", cfg.Roblox.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Roblox.RequestTimeout)

	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, "groucho", cfg.API.AdminUsername)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, cfg.API.Development)
	assert.Equal(t, float64(25), cfg.API.VerifyRequestsPerSecond)
	assert.Equal(t, 6*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
}

func TestGetLogLevel(t *testing.T) {
	for _, expected := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		lvl, err := getLogLevel(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
