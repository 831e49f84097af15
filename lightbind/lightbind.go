// Package lightbind implements a Discord storefront/support bot whose
// core is an identity-verification subsystem: users prove ownership of
// a Roblox account by placing a challenge phrase on their profile, and
// an HTTP callback resolves the pending verification and commits the
// binding.
//
// The bot-side command intake and the HTTP-side callback intake run in
// one process, sharing one SessionRegistry and one IdentityStore.
package lightbind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// Version, CommitSHA and BuildTime are set at build time
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"

	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

// Lightbind is the top-level bot/server. Construct with [New], start
// with [Lightbind.Run].
type Lightbind struct {
	config *Config

	db     DBI
	gormDB *gorm.DB

	registry   *SessionRegistry
	store      *IdentityStore
	verifier   *Verifier
	dispatcher *Dispatcher
	discord    *Discord
	api        *API

	logger     *slog.Logger
	logHandler slog.Handler

	startedAt  time.Time
	runMu      sync.Mutex
	signalStop chan struct{}
}

// New assembles a Lightbind instance from the given config. The
// database connection is deferred to [Lightbind.Run].
func New(config *Config) (*Lightbind, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	lb := &Lightbind{config: config}

	lb.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	lb.logger = slog.New(lb.logHandler)
	slog.SetDefault(lb.logger)

	lb.registry = NewSessionRegistry(config.Verification, lb.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.lb = lb
		lb.discord = disc
	}

	lb.dispatcher = NewDispatcher(
		config.Discord.CommandPrefix,
		nil,
		lb.logger,
	)
	lb.registerCommands()

	api, err := newAPI(lb, config.API)
	errs = append(errs, err)
	lb.api = api

	return lb, errors.Join(errs...)
}

func (lb *Lightbind) ValidateConfig() error {
	return structValidator.Struct(lb.config)
}

// registerCommands populates the dispatch table. Handlers resolve their
// collaborators through lb at call time, after Run has wired them.
func (lb *Lightbind) registerCommands() {
	lb.dispatcher.Register(
		&Command{
			Name:        verifyCommandName,
			Aliases:     []string{"link"},
			Description: "Link your Roblox account",
			Permission:  PermissionPublic,
			Cooldown:    verifyCommandCooldown,
			Handler:     lb.verifyCommand,
		},
	)
	lb.dispatcher.Register(
		&Command{
			Name:        verifyStatusCommandName,
			Aliases:     []string{"status"},
			Description: "Check your verification status",
			Permission:  PermissionPublic,
			Cooldown:    verifyStatusCommandCooldown,
			Handler:     lb.verifyStatusCommand,
		},
	)
	lb.dispatcher.Register(
		&Command{
			Name:        lookupCommandName,
			Description: "Look up a customer record (staff)",
			Permission:  PermissionStaff,
			Cooldown:    lookupCommandCooldown,
			Handler:     lb.lookupCommand,
		},
	)
	lb.dispatcher.Register(
		&Command{
			Name:        productsCommandName,
			Aliases:     []string{"myproducts"},
			Description: "List your purchased products",
			Permission:  PermissionPublic,
			Cooldown:    productsCommandCooldown,
			Handler:     lb.productsCommand,
		},
	)
	lb.dispatcher.Register(
		&Command{
			Name:        helpCommandName,
			Description: "Show available commands",
			Permission:  PermissionPublic,
			Cooldown:    helpCommandCooldown,
			Handler:     lb.helpCommand,
		},
	)
}

// initDB opens the database, applies SQLite tuning where relevant, and
// wires the DB-backed components.
func (lb *Lightbind) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, lb.config.DatabaseType, lb.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	lb.gormDB = db

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if lb.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return fmt.Errorf("error setting sqlite pragmas: %w", pragmaErr)
		}
	}

	dbLogger := slog.New(
		lb.logHandler.WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "db")},
		),
	)
	lb.db = NewDatabase(db, dbLogger, lb.config.DatabaseType == dbTypePostgres)
	lb.db.LoadUsers()

	lb.store = NewIdentityStore(lb.db, lb.logger)
	robloxClient := NewRobloxClient(lb.config.Roblox, nil, lb.logger)
	lb.verifier = NewVerifier(lb.registry, lb.store, robloxClient, lb.logger)
	lb.dispatcher.db = lb.db

	return nil
}

// Run starts the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (lb *Lightbind) Run(ctx context.Context) error {
	// prevents concurrent runs
	lb.runMu.Lock()
	defer lb.runMu.Unlock()

	lb.signalStop = make(chan struct{}, 1)
	lb.startedAt = time.Now()
	logger := lb.logger

	if err := lb.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-lb.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, lb.config.StartupTimeout)
	defer startCancel()

	if err := lb.initDB(startCtx); err != nil {
		logger.Error("init error", tint.Err(err))
		return err
	}

	runtime, runtimeCtx := errgroup.WithContext(ctx)

	runtime.Go(
		func() error {
			httpErr := lb.api.Serve(runtimeCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(
					runtimeCtx,
					"error serving api HTTP",
					tint.Err(httpErr),
				)
				return httpErr
			}
			return nil
		},
	)

	runtime.Go(
		func() error {
			lb.registry.Run(runtimeCtx)
			return nil
		},
	)

	if err := lb.initDiscordSession(startCtx); err != nil {
		logger.Error("error starting discord session", tint.Err(err))
		cancel()
		_ = lb.shutdown(context.Background())
		return err
	}

	logger.InfoContext(ctx, "started", "version", Version)

	<-ctx.Done()

	shutdownErr := lb.shutdown(context.Background())
	runtimeErr := runtime.Wait()
	if runtimeErr != nil && !errors.Is(runtimeErr, context.Canceled) {
		return errors.Join(shutdownErr, runtimeErr)
	}
	return shutdownErr
}

// Stop triggers a graceful shutdown of a running instance.
func (lb *Lightbind) Stop() {
	select {
	case lb.signalStop <- struct{}{}:
	default:
	}
}

// initDiscordSession creates the gateway session, attaches event
// handlers, and opens the websocket connection.
func (lb *Lightbind) initDiscordSession(ctx context.Context) error {
	session, err := lb.discord.newSession()
	if err != nil {
		return err
	}
	lb.discord.session = session

	lb.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(lb.discord.handlerReady()),
		session.AddHandler(lb.discord.handlerConnect()),
		session.AddHandler(lb.discord.handlerDisconnect()),
		session.AddHandler(lb.discord.handlerMessageCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	lb.logger.InfoContext(ctx, "discord session open")
	return nil
}

// shutdown closes the gateway connection and the HTTP server, bounded
// by the configured shutdown timeout.
func (lb *Lightbind) shutdown(ctx context.Context) error {
	logger := lb.logger
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(ctx, lb.config.ShutdownTimeout)
	defer cancel()

	var errs []error

	if lb.discord != nil && lb.discord.session != nil {
		for _, removeHandler := range lb.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := lb.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if lb.api != nil && lb.api.httpServer != nil {
		if err := lb.api.httpServer.Shutdown(ctx); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("error shutting down http server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if lb.gormDB != nil {
		if sqlDB, err := lb.gormDB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}

	logger.Info("shutdown complete", "uptime", time.Since(lb.startedAt))
	return errors.Join(errs...)
}
