package lightbind

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// VerificationState is the lifecycle state of a [VerificationContext].
type VerificationState string

const (
	// StatePending is the initial state, before the challenge has been
	// shown to the user
	StatePending VerificationState = "PENDING"

	// StateAwaitingConfirmation means the challenge was issued and the
	// registry is waiting on the callback
	StateAwaitingConfirmation VerificationState = "AWAITING_CONFIRMATION"

	StateConfirmed VerificationState = "CONFIRMED"
	StateExpired   VerificationState = "EXPIRED"
	StateRejected  VerificationState = "REJECTED"
)

// Terminal indicates no further transition is permitted from this state.
func (s VerificationState) Terminal() bool {
	switch s {
	case StateConfirmed, StateExpired, StateRejected:
		return true
	default:
		return false
	}
}

// VerificationContext tracks one identity-verification attempt for one
// Discord user. SubjectID, ChallengeToken and RobloxUserID are set at
// creation and never change; everything else is mutated only by the
// registry, under its lock.
type VerificationContext struct {
	// SubjectID is the Discord user ID that requested verification
	SubjectID string `json:"subject_id"`

	// ChallengeToken doubles as the phrase the user places in their
	// Roblox profile description
	ChallengeToken string `json:"challenge_token"`

	// RobloxUserID is the Roblox account the subject claims to own
	RobloxUserID string `json:"roblox_user_id"`

	State VerificationState `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// ResolvedAt is when a terminal state was entered
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// AttemptCount is the number of confirmation attempts made against
	// this context
	AttemptCount int `json:"attempt_count"`

	// Version increments on every mutation. Terminal transitions verify
	// it, so a commit never lands on a context that changed underneath
	// the caller while it was doing I/O.
	Version int64 `json:"version"`
}

func (v *VerificationContext) String() string {
	return fmt.Sprintf(
		"verification (subject: %s, roblox: %s, state: %s, attempts: %d)",
		v.SubjectID, v.RobloxUserID, v.State, v.AttemptCount,
	)
}

func (v *VerificationContext) expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

func (v *VerificationContext) clone() *VerificationContext {
	dup := *v
	return &dup
}

// SessionRegistry is the process-wide table of active verification
// contexts, at most one non-terminal context per subject. All mutation
// happens under its mutex; callers only ever see copies.
//
// The registry is constructed at startup and torn down at shutdown.
// Pending contexts are simply discarded on shutdown, since a context
// can always be re-issued.
type SessionRegistry struct {
	mu        sync.Mutex
	bySubject map[string]*VerificationContext
	byToken   map[string]*VerificationContext

	ttl            time.Duration
	maxAttempts    int
	gracePeriod    time.Duration
	sweepInterval  time.Duration
	challengeWords int

	// onExpired receives a copy of each context the sweep (or a lazy
	// read) expires, outside the registry lock
	onExpired func(vc *VerificationContext)

	clock  func() time.Time
	logger *slog.Logger
}

func NewSessionRegistry(
	cfg *VerificationConfig,
	logger *slog.Logger,
) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		bySubject:      map[string]*VerificationContext{},
		byToken:        map[string]*VerificationContext{},
		ttl:            cfg.TTL,
		maxAttempts:    cfg.MaxAttempts,
		gracePeriod:    cfg.GracePeriod,
		sweepInterval:  cfg.SweepInterval,
		challengeWords: cfg.ChallengeWords,
		clock:          time.Now,
		logger:         logger.With(loggerNameKey, "session_registry"),
	}
}

// Create issues a new context for the given subject and claimed Roblox
// user ID.
//
// If the subject already has a non-terminal context, the call fails with
// [ErrAlreadyPending] unless it claims the same Roblox account and the
// old context is still within the first half of its TTL window; then the
// old context is superseded and a fresh challenge issued. The half-window
// rule keeps a user from churning out tokens for the full lifetime of
// every challenge, and a different claim must wait for the pending one
// to resolve or expire.
func (r *SessionRegistry) Create(
	subjectID string,
	robloxUserID string,
) (*VerificationContext, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("empty subject id")
	}

	token, err := generateChallengePhrase(r.challengeWords)
	if err != nil {
		return nil, fmt.Errorf("error generating challenge: %w", err)
	}

	r.mu.Lock()

	now := r.clock()
	existing := r.bySubject[subjectID]
	if existing != nil && !existing.State.Terminal() && !existing.expired(now) {
		if existing.RobloxUserID != robloxUserID || now.Sub(existing.CreatedAt) >= r.ttl/2 {
			r.mu.Unlock()
			return nil, ErrAlreadyPending
		}
		// Supersede: the old token stops resolving immediately
		delete(r.byToken, existing.ChallengeToken)
		delete(r.bySubject, subjectID)
	}

	var lapsed *VerificationContext
	if existing != nil && !existing.State.Terminal() && existing.expired(now) {
		lapsed = r.expireLocked(existing, now)
	}
	// A confirmed context lingering in its grace window is displaced by
	// the new one; its token must not outlive it in the index
	if existing != nil && existing.State.Terminal() {
		delete(r.byToken, existing.ChallengeToken)
	}

	vc := &VerificationContext{
		SubjectID:      subjectID,
		ChallengeToken: token,
		RobloxUserID:   robloxUserID,
		State:          StatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
		Version:        1,
	}
	r.bySubject[subjectID] = vc
	r.byToken[vc.ChallengeToken] = vc
	snapshot := vc.clone()

	r.mu.Unlock()

	r.notifyExpired(lapsed)
	r.logger.Info("created verification context", "context", snapshot)
	return snapshot, nil
}

// MarkAwaiting transitions a subject's context from PENDING to
// AWAITING_CONFIRMATION, once the challenge has actually been shown to
// the user.
func (r *SessionRegistry) MarkAwaiting(subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vc := r.bySubject[subjectID]
	if vc == nil || vc.State != StatePending {
		return ErrNoPendingContext
	}
	if vc.expired(r.clock()) {
		return ErrChallengeExpired
	}
	vc.State = StateAwaitingConfirmation
	vc.Version++
	return nil
}

// GetBySubject returns a copy of the subject's context, or nil. Expired
// contexts are transitioned and evicted on the way out, never returned
// as live.
func (r *SessionRegistry) GetBySubject(subjectID string) *VerificationContext {
	r.mu.Lock()
	vc := r.bySubject[subjectID]
	if vc == nil {
		r.mu.Unlock()
		return nil
	}
	var lapsed *VerificationContext
	if !vc.State.Terminal() && vc.expired(r.clock()) {
		lapsed = r.expireLocked(vc, r.clock())
		r.mu.Unlock()
		r.notifyExpired(lapsed)
		return lapsed.clone()
	}
	snapshot := vc.clone()
	r.mu.Unlock()
	return snapshot
}

// GetByToken returns a copy of the context holding the given challenge
// token, or nil. Used by the callback path, which knows only the token.
func (r *SessionRegistry) GetByToken(token string) *VerificationContext {
	r.mu.Lock()
	vc := r.byToken[token]
	if vc == nil {
		r.mu.Unlock()
		return nil
	}
	var lapsed *VerificationContext
	if !vc.State.Terminal() && vc.expired(r.clock()) {
		lapsed = r.expireLocked(vc, r.clock())
		r.mu.Unlock()
		r.notifyExpired(lapsed)
		return lapsed.clone()
	}
	snapshot := vc.clone()
	r.mu.Unlock()
	return snapshot
}

// Evict removes the subject's context if it is terminal or expired.
// Live contexts stay put.
func (r *SessionRegistry) Evict(subjectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	vc := r.bySubject[subjectID]
	if vc == nil {
		return false
	}
	if !vc.State.Terminal() && !vc.expired(r.clock()) {
		return false
	}
	delete(r.bySubject, subjectID)
	delete(r.byToken, vc.ChallengeToken)
	return true
}

// BeginAttempt registers one confirmation attempt against the context
// holding the given token and returns a snapshot for the caller to
// validate against, with the registry lock released.
//
// Errors map to the callback responses: [ErrUnknownToken] for a token
// the registry has never seen (or already swept), [ErrStaleToken] for a
// context that already resolved, [ErrChallengeExpired] when the TTL has
// passed, and [ErrMaxAttemptsExceeded] when the attempt budget is spent,
// which also rejects the context.
func (r *SessionRegistry) BeginAttempt(token string) (
	*VerificationContext,
	error,
) {
	r.mu.Lock()

	vc := r.byToken[token]
	if vc == nil {
		r.mu.Unlock()
		return nil, ErrUnknownToken
	}
	if vc.State.Terminal() {
		snapshot := vc.clone()
		r.mu.Unlock()
		return snapshot, ErrStaleToken
	}

	now := r.clock()
	if vc.expired(now) {
		lapsed := r.expireLocked(vc, now)
		r.mu.Unlock()
		r.notifyExpired(lapsed)
		return lapsed.clone(), ErrChallengeExpired
	}

	if vc.AttemptCount >= r.maxAttempts {
		rejected := r.resolveLocked(vc, StateRejected, now)
		r.mu.Unlock()
		return rejected, ErrMaxAttemptsExceeded
	}

	vc.AttemptCount++
	vc.Version++
	snapshot := vc.clone()
	r.mu.Unlock()
	return snapshot, nil
}

// Resolve commits a terminal state for the context holding the given
// token, provided its version still matches the caller's snapshot. A
// version mismatch or an already-terminal context yields
// [ErrStaleToken].
//
// Confirmed contexts linger in the registry for the grace period so a
// duplicate callback is answered "already resolved" instead of "unknown
// token". Rejected contexts are evicted immediately.
func (r *SessionRegistry) Resolve(
	token string,
	version int64,
	state VerificationState,
) (*VerificationContext, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("cannot resolve to non-terminal state %s", state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vc := r.byToken[token]
	if vc == nil {
		return nil, ErrUnknownToken
	}
	if vc.State.Terminal() || vc.Version != version {
		return vc.clone(), ErrStaleToken
	}

	snapshot := r.resolveLocked(vc, state, r.clock())
	return snapshot, nil
}

// resolveLocked commits a terminal transition. Caller holds r.mu.
func (r *SessionRegistry) resolveLocked(
	vc *VerificationContext,
	state VerificationState,
	now time.Time,
) *VerificationContext {
	vc.State = state
	vc.ResolvedAt = now
	vc.Version++
	snapshot := vc.clone()

	if state != StateConfirmed {
		delete(r.bySubject, vc.SubjectID)
		delete(r.byToken, vc.ChallengeToken)
	}
	return snapshot
}

// expireLocked transitions a non-terminal context to EXPIRED and evicts
// it. Caller holds r.mu. The returned copy is for the onExpired hook,
// which must be invoked after the lock is released.
func (r *SessionRegistry) expireLocked(
	vc *VerificationContext,
	now time.Time,
) *VerificationContext {
	vc.State = StateExpired
	vc.ResolvedAt = now
	vc.Version++
	snapshot := vc.clone()
	delete(r.bySubject, vc.SubjectID)
	delete(r.byToken, vc.ChallengeToken)
	return snapshot
}

func (r *SessionRegistry) notifyExpired(vc *VerificationContext) {
	if vc == nil || r.onExpired == nil {
		return
	}
	r.onExpired(vc)
}

// ActiveContexts returns copies of every context currently held,
// for the admin surface.
func (r *SessionRegistry) ActiveContexts() []VerificationContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := make([]VerificationContext, 0, len(r.bySubject))
	for _, vc := range r.bySubject {
		contexts = append(contexts, *vc.clone())
	}
	return contexts
}

// Sweep expires every overdue context and drops confirmed contexts
// whose grace period has lapsed, returning copies of the newly expired
// ones.
func (r *SessionRegistry) Sweep() []*VerificationContext {
	r.mu.Lock()

	now := r.clock()
	var lapsed []*VerificationContext
	for _, vc := range r.bySubject {
		switch {
		case !vc.State.Terminal() && vc.expired(now):
			lapsed = append(lapsed, r.expireLocked(vc, now))
		case vc.State == StateConfirmed &&
			now.After(vc.ResolvedAt.Add(r.gracePeriod)):
			delete(r.bySubject, vc.SubjectID)
			delete(r.byToken, vc.ChallengeToken)
		}
	}
	r.mu.Unlock()

	for _, vc := range lapsed {
		r.notifyExpired(vc)
	}
	return lapsed
}

// Run executes the periodic expiry sweep until ctx is canceled.
func (r *SessionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info(
		"expiry sweep started",
		"interval", r.sweepInterval,
		"ttl", r.ttl,
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			if expired := r.Sweep(); len(expired) > 0 {
				r.logger.Info(
					"swept expired verification contexts",
					"count", len(expired),
				)
			}
		}
	}
}
