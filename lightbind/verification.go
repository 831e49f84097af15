package lightbind

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

var (
	// ErrAlreadyPending indicates the subject already has a live
	// verification context that is too old to supersede
	ErrAlreadyPending = errors.New("a verification is already in progress")

	// ErrAlreadyBound indicates the claimed Roblox account is bound to a
	// different Discord user
	ErrAlreadyBound = errors.New("roblox account is already linked to another user")

	// ErrUnknownToken indicates no context holds the submitted token
	ErrUnknownToken = errors.New("unknown challenge token")

	// ErrNoPendingContext indicates the subject has no context in the
	// PENDING state to transition
	ErrNoPendingContext = errors.New("no pending verification for subject")

	// ErrStaleToken indicates the context already resolved. Callers
	// report it as "already resolved" rather than a failure.
	ErrStaleToken = errors.New("challenge already resolved")

	// ErrChallengeExpired indicates the context outlived its TTL
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrMaxAttemptsExceeded indicates the attempt budget is spent,
	// which also rejects the context
	ErrMaxAttemptsExceeded = errors.New("too many confirmation attempts")

	// ErrOwnershipNotProven indicates the challenge phrase was not found
	// on the claimed Roblox profile. The context stays live so the user
	// can fix their profile and retry.
	ErrOwnershipNotProven = errors.New("challenge phrase not found on profile")

	// ErrCandidateMismatch indicates the callback named a different
	// Roblox user than the pending context
	ErrCandidateMismatch = errors.New("roblox user does not match the pending verification")

	// ErrInsufficientPermission indicates the subject's permission level
	// is below the command's requirement
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrStorageUnavailable indicates a transient collaborator failure.
	// The operation is safe to retry and no context left a non-terminal
	// state because of it.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// OwnershipVerifier proves that a subject controls the Roblox account
// they claim, by checking for the challenge phrase they were asked to
// place on it. [RobloxClient] implements this against the Roblox users
// API.
type OwnershipVerifier interface {
	ProveOwnership(
		ctx context.Context,
		robloxUserID string,
		phrase string,
	) (bool, error)
}

// Verifier drives verification contexts through their lifecycle. The
// registry holds the live contexts, the store commits bindings, and the
// ownership verifier performs the policy check against the external
// platform.
//
// Registry locks are never held across store or verifier calls: Confirm
// takes a versioned snapshot, does its I/O, then commits the terminal
// transition only if the version still matches.
type Verifier struct {
	registry *SessionRegistry
	store    *IdentityStore
	checker  OwnershipVerifier
	logger   *slog.Logger
}

func NewVerifier(
	registry *SessionRegistry,
	store *IdentityStore,
	checker OwnershipVerifier,
	logger *slog.Logger,
) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		registry: registry,
		store:    store,
		checker:  checker,
		logger:   logger.With(loggerNameKey, "verifier"),
	}
	registry.onExpired = v.recordExpired
	return v
}

func (v *Verifier) recordExpired(vc *VerificationContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v.store.RecordOutcome(ctx, vc, "expired")
}

// Begin creates a verification context for the subject's claimed Roblox
// account and returns it in PENDING state. The caller shows the
// challenge phrase to the user and then calls ChallengeIssued.
//
// Fails fast with [ErrAlreadyBound] when the claimed account is already
// held by a different Discord user, without creating a context.
func (v *Verifier) Begin(
	ctx context.Context,
	subjectID string,
	robloxUserID string,
) (*VerificationContext, error) {
	holder, err := v.store.FindByRobloxID(ctx, robloxUserID)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.DiscordUserID != subjectID {
		return nil, ErrAlreadyBound
	}

	vc, err := v.registry.Create(subjectID, robloxUserID)
	if err != nil {
		return nil, err
	}
	return vc, nil
}

// ChallengeIssued records that the challenge was actually delivered to
// the user, moving the context to AWAITING_CONFIRMATION.
func (v *Verifier) ChallengeIssued(subjectID string) error {
	return v.registry.MarkAwaiting(subjectID)
}

// Status returns the subject's current context, if any.
func (v *Verifier) Status(subjectID string) *VerificationContext {
	return v.registry.GetBySubject(subjectID)
}

// Confirm resolves a callback submission against the pending context
// holding the given token.
//
// claimedRobloxID, when non-empty, must match the Roblox user the
// context was created for. On a successful ownership check the binding
// is committed and the context becomes CONFIRMED. Failed ownership
// checks leave the context live for another attempt, up to the attempt
// budget. [ErrAlreadyBound] rejects the context, since retrying cannot
// succeed. Transient failures return [ErrStorageUnavailable] with the
// context still non-terminal, so the callback is safe to retry.
//
// The returned context snapshot, when non-nil, reflects the state after
// this call.
func (v *Verifier) Confirm(
	ctx context.Context,
	token string,
	claimedRobloxID string,
) (*VerificationContext, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = v.logger
	}

	snapshot, err := v.registry.BeginAttempt(token)
	switch {
	case errors.Is(err, ErrUnknownToken):
		return nil, ErrUnknownToken
	case errors.Is(err, ErrStaleToken):
		return snapshot, ErrStaleToken
	case errors.Is(err, ErrChallengeExpired):
		return snapshot, ErrChallengeExpired
	case errors.Is(err, ErrMaxAttemptsExceeded):
		v.store.RecordOutcome(ctx, snapshot, "max attempts exceeded")
		return snapshot, ErrMaxAttemptsExceeded
	case err != nil:
		return snapshot, err
	}

	if claimedRobloxID != "" && claimedRobloxID != snapshot.RobloxUserID {
		log.InfoContext(
			ctx,
			"candidate mismatch on confirmation",
			"context", snapshot,
			"claimed_roblox_id", claimedRobloxID,
		)
		return snapshot, ErrCandidateMismatch
	}

	owned, err := v.checker.ProveOwnership(
		ctx,
		snapshot.RobloxUserID,
		snapshot.ChallengeToken,
	)
	if err != nil {
		log.ErrorContext(ctx, "ownership check failed", tint.Err(err))
		return snapshot, errors.Join(ErrStorageUnavailable, err)
	}
	if !owned {
		log.InfoContext(ctx, "ownership not proven", "context", snapshot)
		return snapshot, ErrOwnershipNotProven
	}

	bindErr := v.store.BindIdentity(ctx, snapshot.SubjectID, snapshot.RobloxUserID)
	switch {
	case errors.Is(bindErr, ErrAlreadyBound):
		rejected, resolveErr := v.registry.Resolve(
			token,
			snapshot.Version,
			StateRejected,
		)
		if resolveErr == nil {
			v.store.RecordOutcome(ctx, rejected, "roblox account already bound")
		}
		return rejected, ErrAlreadyBound
	case bindErr != nil:
		// Transient failure, no partial commit: the context stays
		// non-terminal and the callback can retry
		return snapshot, bindErr
	}

	confirmed, resolveErr := v.registry.Resolve(
		token,
		snapshot.Version,
		StateConfirmed,
	)
	if resolveErr != nil {
		// A concurrent attempt resolved the context while we were
		// binding. The binding itself is idempotent, so report the
		// context as already resolved.
		return confirmed, ErrStaleToken
	}

	v.store.RecordOutcome(ctx, confirmed, "confirmed")
	log.InfoContext(ctx, "verification confirmed", "context", confirmed)
	return confirmed, nil
}

// RejectionReason maps a Confirm error to the explanation shown to the
// submitting user. It names which check failed without leaking anything
// the user did not already claim.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrChallengeExpired):
		return "challenge expired"
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return "too many attempts"
	case errors.Is(err, ErrAlreadyBound):
		return "roblox account already linked"
	case errors.Is(err, ErrOwnershipNotProven):
		return "challenge phrase not found on profile"
	case errors.Is(err, ErrCandidateMismatch):
		return "roblox user does not match"
	default:
		return "verification failed"
	}
}
