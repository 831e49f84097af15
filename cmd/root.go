package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lightbind/lightbind/lightbind"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = lightbind.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "lightbind [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", lightbind.DefaultDatabase)
	viper.SetDefault("database_type", lightbind.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		lightbind.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		lightbind.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", lightbind.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", lightbind.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", lightbind.DefaultShutdownTimeout)

	// Verification config
	viper.SetDefault("verification.ttl", lightbind.DefaultVerificationTTL)
	viper.SetDefault(
		"verification.max_attempts",
		lightbind.DefaultVerificationMaxAttempts,
	)
	viper.SetDefault(
		"verification.grace_period",
		lightbind.DefaultVerificationGracePeriod,
	)
	viper.SetDefault(
		"verification.sweep_interval",
		lightbind.DefaultVerificationSweepInterval,
	)
	viper.SetDefault(
		"verification.challenge_words",
		lightbind.DefaultChallengePhraseWords,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.command_prefix", lightbind.DefaultCommandPrefix)
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.staff_role_ids", []string{})
	viper.SetDefault("discord.admin_role_ids", []string{})
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		lightbind.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.log_level",
		lightbind.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		lightbind.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		lightbind.DefaultDiscordGatewayIntent,
	)

	// Roblox config
	viper.SetDefault("roblox.base_url", lightbind.DefaultRobloxBaseURL)
	viper.SetDefault(
		"roblox.request_timeout",
		lightbind.DefaultRobloxRequestTimeout,
	)

	// API config
	viper.SetDefault("api.listen", lightbind.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.admin_username", "")
	viper.SetDefault("api.admin_password", "")
	viper.SetDefault("api.log_level", lightbind.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.verify_requests_per_second", 0)
	viper.SetDefault("api.session_max_age", lightbind.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", lightbind.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		lightbind.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", lightbind.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", lightbind.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		lightbind.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		lightbind.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		lightbind.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", lightbind.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		lightbind.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(lightbind.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = lightbind.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// List-valued keys stay comma-separated strings in the environment
	// (StringToSliceHookFunc splits them during Unmarshal), and log level
	// keys stay strings (LevelToStringHookFunc converts them). Validate
	// the levels up front so a typo fails at startup, not first use.
	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
