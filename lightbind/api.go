package lightbind

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPrefix          = "/api"
	apiPathVerify      = "/verify"
	apiPathPurchase    = "/purchase"
	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiPathLoggedIn    = "/logged_in"
	apiPathUser        = "/user/:id"
	apiPathSessions    = "/sessions"
	apiPathReloadUsers = "/users/reload"
	apiHealthCheck     = "/healthz"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

const (
	verifyStatusConfirmed       = "confirmed"
	verifyStatusAlreadyResolved = "already_resolved"
	verifyStatusUnknownToken    = "unknown_token"
	verifyStatusRejected        = "rejected"
	verifyStatusUnavailable     = "unavailable"
)

//nolint:gochecknoinits // gotta register the validator tag
func init() {
	structValidator.SetTagName("binding")
}

// API is the HTTP server hosting the public verification callback and
// the cookie-authenticated staff endpoints. It shares the session
// registry and identity store with the Discord side of the process.
type API struct {
	config               *APIConfig
	httpServer           *http.Server
	listener             net.Listener
	engine               *gin.Engine
	store                CookieStore
	verifyRequestLimiter *rate.Limiter
	loginRequestLimiter  *rate.Limiter
	requestMetrics       map[string]int
	requestMetricsMu     sync.Mutex
	logger               *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server: logger, gin engine, session store,
// TLS, middleware and routes.
func newAPI(lb *Lightbind, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	if config.VerifyRequestsPerSecond > 0 {
		api.verifyRequestLimiter = rate.NewLimiter(
			rate.Limit(config.VerifyRequestsPerSecond),
			int(config.VerifyRequestsPerSecond)+1,
		)
	}
	apiHandlers := NewAPIHandlers(lb)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathVerify, apiHandlers.verifyHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(lb))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathUser, apiHandlers.getUser)
	protected.GET(apiPathSessions, apiHandlers.getSessions)
	protected.POST(apiPathReloadUsers, apiHandlers.reloadUsers)
	protected.POST(apiPathPurchase, apiHandlers.recordPurchase)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return e
	}
	if len(a.httpServer.TLSConfig.Certificates) > 0 {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	lb     *Lightbind
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler set and its cookie session store.
// Without a configured secret, sessions will not survive a restart.
func NewAPIHandlers(lb *Lightbind) *APIHandlers {
	logger := lb.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := lb.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if lb.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(lb.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{lb: lb, logger: logger, store: store}
}

// verifyPayload is the callback body submitted by the verification web
// form (or the external platform).
type verifyPayload struct {
	ChallengeToken string `json:"challenge_token" binding:"required"`
	RobloxUserID   string `json:"roblox_user_id"`
}

// verifyResponse is the callback result body.
type verifyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// verifyHandler resolves a verification callback against the pending
// context holding the submitted token.
//
// Responses:
//   - 200 {status: confirmed}: the binding was committed.
//   - 409 {status: already_resolved}: the context already reached a
//     terminal state. Duplicate submissions land here.
//   - 404 {status: unknown_token}: no context holds this token.
//   - 403 {status: rejected, reason}: the check failed. The reason names
//     which check (expired, already bound, phrase not found, ...).
//   - 503 {status: unavailable}: transient failure, safe to retry.
func (h *APIHandlers) verifyHandler(c *gin.Context) {
	log := ginContextLogger(c)

	if h.lb.api.verifyRequestLimiter != nil &&
		!h.lb.api.verifyRequestLimiter.Allow() {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var payload verifyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(c.Request.Context(), log)
	vc, err := h.lb.verifier.Confirm(
		ctx,
		payload.ChallengeToken,
		payload.RobloxUserID,
	)
	switch {
	case err == nil:
		log.Info("verification confirmed", "context", vc)
		c.JSON(http.StatusOK, verifyResponse{Status: verifyStatusConfirmed})
	case errors.Is(err, ErrStaleToken):
		c.JSON(
			http.StatusConflict,
			verifyResponse{Status: verifyStatusAlreadyResolved},
		)
	case errors.Is(err, ErrUnknownToken):
		c.JSON(
			http.StatusNotFound,
			verifyResponse{Status: verifyStatusUnknownToken},
		)
	case errors.Is(err, ErrStorageUnavailable):
		log.Warn("verification temporarily unavailable", tint.Err(err))
		c.JSON(
			http.StatusServiceUnavailable,
			verifyResponse{Status: verifyStatusUnavailable},
		)
	default:
		c.JSON(
			http.StatusForbidden,
			verifyResponse{
				Status: verifyStatusRejected,
				Reason: RejectionReason(err),
			},
		)
	}
}

// healthCheck reports gateway connectivity and registry size.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.lb.discord.connected.Load(),
			ActiveVerifications:     len(h.lb.registry.ActiveContexts()),
		},
	)
}

// loginHandler checks the provided credentials against the configured
// admin credentials and creates a new cookie session on success. Login
// attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.lb.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg := h.lb.config.API
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != cfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.lb.api.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if cfg.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// logoutHandler clears the caller's cookie session.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn reports the authenticated session's username.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.lb.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getUser returns the record and purchases for a Discord user ID.
func (h *APIHandlers) getUser(c *gin.Context) {
	log := ginContextLogger(c)
	discordUserID := c.Param("id")

	ctx := WithLogger(c.Request.Context(), log)
	user, err := h.lb.store.FindByDiscordID(ctx, discordUserID)
	if err != nil {
		log.Error("error finding user", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}

	purchases, err := h.lb.store.Purchases(ctx, discordUserID)
	if err != nil {
		log.Error("error loading purchases", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(
		http.StatusOK, userDetailResponse{
			User:      *user,
			Purchases: purchases,
		},
	)
}

// getSessions lists the active verification contexts. Challenge tokens
// are never included: they are single-use secrets.
func (h *APIHandlers) getSessions(c *gin.Context) {
	contexts := h.lb.registry.ActiveContexts()
	views := make([]sessionView, 0, len(contexts))
	for _, vc := range contexts {
		views = append(
			views, sessionView{
				SubjectID:    vc.SubjectID,
				RobloxUserID: vc.RobloxUserID,
				State:        vc.State,
				CreatedAt:    vc.CreatedAt,
				ExpiresAt:    vc.ExpiresAt,
				AttemptCount: vc.AttemptCount,
			},
		)
	}
	c.JSON(http.StatusOK, views)
}

// reloadUsers repopulates the user cache from the database.
func (h *APIHandlers) reloadUsers(c *gin.Context) {
	h.lb.db.UserCacheLock()
	defer h.lb.db.UserCacheUnlock()
	users := h.lb.db.LoadUsers()
	ginReplyMessage(c, fmt.Sprintf("reloaded %d users", len(users)))
}

// purchasePayload is the storefront's purchase notification body.
type purchasePayload struct {
	DiscordUserID string `json:"discord_user_id" binding:"required"`
	ProductCode   string `json:"product_code" binding:"required"`
}

// recordPurchase appends a purchase for a verified user.
func (h *APIHandlers) recordPurchase(c *gin.Context) {
	log := ginContextLogger(c)

	var payload purchasePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(c.Request.Context(), log)
	user, err := h.lb.store.FindByDiscordID(ctx, payload.DiscordUserID)
	if err != nil {
		log.Error("error finding user", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}
	if !user.Verified() {
		c.JSON(http.StatusForbidden, httpError{Error: "user not verified"})
		return
	}

	rec, err := h.lb.store.RecordPurchase(
		ctx,
		payload.DiscordUserID,
		payload.ProductCode,
	)
	if err != nil {
		log.Error("error recording purchase", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	ActiveVerifications     int  `json:"active_verifications"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userDetailResponse struct {
	User      UserRecord       `json:"user"`
	Purchases []PurchaseRecord `json:"purchases"`
}

// sessionView is the admin-facing shape of a verification context, with
// the challenge token omitted.
type sessionView struct {
	SubjectID    string            `json:"subject_id"`
	RobloxUserID string            `json:"roblox_user_id"`
	State        VerificationState `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	AttemptCount int               `json:"attempt_count"`
}

// authMiddleware aborts with 401 unless the request carries an
// authenticated cookie session. With no admin credentials configured,
// every request is rejected.
func authMiddleware(lb *Lightbind) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := lb.api.store
		logger := lb.logger
		if logger == nil {
			logger = slog.Default()
		}
		if lb.config.API.AdminUsername == "" ||
			lb.config.API.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request and echoes it in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, duration and
// response status, including any private gin errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
