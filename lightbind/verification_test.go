package lightbind

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOwnershipChecker struct {
	mu    sync.Mutex
	owned bool
	err   error
	calls int
}

func (s *stubOwnershipChecker) ProveOwnership(
	_ context.Context,
	_ string,
	_ string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.owned, s.err
}

func (s *stubOwnershipChecker) set(owned bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = owned
	s.err = err
}

// newTestVerifier returns a Lightbind whose verifier checks ownership
// against the returned stub instead of the Roblox API.
func newTestVerifier(t testing.TB, cfg *Config) (
	*Lightbind,
	*stubOwnershipChecker,
) {
	t.Helper()
	lb := newLightbind(t, cfg)
	checker := &stubOwnershipChecker{owned: true}
	lb.verifier.checker = checker
	return lb, checker
}

func createTestUser(
	t testing.TB,
	lb *Lightbind,
	discordUserID string,
) *UserRecord {
	t.Helper()
	user, isNew, err := lb.store.GetOrCreateUser(
		context.Background(),
		discordgo.User{ID: discordUserID, Username: discordUserID},
	)
	require.NoError(t, err)
	require.True(t, isNew)
	return user
}

func TestVerifierConfirmHappyPath(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	assert.Equal(t, StatePending, vc.State)

	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	confirmed, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)
	assert.Equal(t, 1, confirmed.AttemptCount)

	user, err := lb.store.FindByDiscordID(ctx, t.Name())
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.Verified())
	assert.Equal(t, "12345", stringPointerValue(user.RobloxUserID))
	assert.NotZero(t, user.VerifiedAt)

	var outcomes []VerificationOutcome
	require.NoError(
		t,
		lb.gormDB.Where("subject_id = ?", t.Name()).Find(&outcomes).Error,
	)
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(StateConfirmed), outcomes[0].State)
	assert.Equal(t, "confirmed", outcomes[0].Detail)
}

func TestVerifierConfirmUnknownToken(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)

	_, err := lb.verifier.Confirm(context.Background(), "no-such-token", "")
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestVerifierOwnershipNotProvenRetries(t *testing.T) {
	t.Parallel()
	lb, checker := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	// Phrase not on the profile yet: the attempt fails but the
	// context stays live
	checker.set(false, nil)
	snapshot, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.ErrorIs(t, err, ErrOwnershipNotProven)
	require.NotNil(t, snapshot)
	assert.False(t, snapshot.State.Terminal())
	assert.Equal(t, 1, snapshot.AttemptCount)

	status := lb.verifier.Status(t.Name())
	require.NotNil(t, status)
	assert.Equal(t, StateAwaitingConfirmation, status.State)

	// User fixes their profile and retries
	checker.set(true, nil)
	confirmed, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)
	assert.Equal(t, 2, confirmed.AttemptCount)
}

func TestVerifierCandidateMismatch(t *testing.T) {
	t.Parallel()
	lb, checker := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	snapshot, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "99999")
	require.ErrorIs(t, err, ErrCandidateMismatch)
	assert.False(t, snapshot.State.Terminal())

	// The mismatch consumed an attempt without reaching the profile check
	assert.Equal(t, 1, snapshot.AttemptCount)
	checker.mu.Lock()
	assert.Zero(t, checker.calls)
	checker.mu.Unlock()

	// An empty claimed ID skips the candidate check entirely
	confirmed, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)
}

func TestVerifierBeginAlreadyBound(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	ctx := context.Background()
	holder := createTestUser(t, lb, t.Name()+"-holder")
	createTestUser(t, lb, t.Name())

	require.NoError(t, lb.store.BindIdentity(ctx, holder.DiscordUserID, "12345"))

	_, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.ErrorIs(t, err, ErrAlreadyBound)
	assert.Nil(t, lb.verifier.Status(t.Name()))

	// The holder themselves can re-verify the same account
	vc, err := lb.verifier.Begin(ctx, holder.DiscordUserID, "12345")
	require.NoError(t, err)
	assert.NotNil(t, vc)
}

func TestVerifierConfirmBindConflictRejects(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	ctx := context.Background()
	holder := createTestUser(t, lb, t.Name()+"-holder")
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	// Someone else claims the account between Begin and Confirm
	require.NoError(t, lb.store.BindIdentity(ctx, holder.DiscordUserID, "12345"))

	rejected, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.ErrorIs(t, err, ErrAlreadyBound)
	require.NotNil(t, rejected)
	assert.Equal(t, StateRejected, rejected.State)

	// Retrying cannot succeed, so the context is gone
	assert.Nil(t, lb.verifier.Status(t.Name()))

	user, err := lb.store.FindByDiscordID(ctx, t.Name())
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.False(t, user.Verified())
}

func TestVerifierTransientCheckerFailure(t *testing.T) {
	t.Parallel()
	lb, checker := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	checker.set(false, errors.New("connection reset"))
	snapshot, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, snapshot.State.Terminal())

	// The callback retries once the platform recovers
	checker.set(true, nil)
	confirmed, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)
}

func TestVerifierMaxAttemptsRejects(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Verification.MaxAttempts = 2
	lb, checker := newTestVerifier(t, cfg)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	checker.set(false, nil)
	for i := 0; i < 2; i++ {
		_, confirmErr := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
		require.ErrorIs(t, confirmErr, ErrOwnershipNotProven)
	}

	rejected, err := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	require.NotNil(t, rejected)
	assert.Equal(t, StateRejected, rejected.State)

	var outcomes []VerificationOutcome
	require.NoError(
		t,
		lb.gormDB.Where("subject_id = ?", t.Name()).Find(&outcomes).Error,
	)
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(StateRejected), outcomes[0].State)
}

func TestVerifierConcurrentConfirm(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, confirmErr := lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
			results <- confirmErr
		}()
	}
	wg.Wait()
	close(results)

	// Exactly one racer wins; the rest see the context already resolved
	var confirmedCount, staleCount int
	for confirmErr := range results {
		switch {
		case confirmErr == nil:
			confirmedCount++
		case errors.Is(confirmErr, ErrStaleToken):
			staleCount++
		default:
			t.Fatalf("unexpected confirm error: %v", confirmErr)
		}
	}
	assert.Equal(t, 1, confirmedCount)
	assert.Equal(t, 3, staleCount)

	user, err := lb.store.FindByDiscordID(ctx, t.Name())
	require.NoError(t, err)
	assert.True(t, user.Verified())
}

func TestVerifierExpiredContextRecordsOutcome(t *testing.T) {
	t.Parallel()
	lb, _ := newTestVerifier(t, nil)
	ctx := context.Background()
	createTestUser(t, lb, t.Name())

	clock := newFakeClock()
	lb.registry.clock = clock.Now

	vc, err := lb.verifier.Begin(ctx, t.Name(), "12345")
	require.NoError(t, err)
	require.NoError(t, lb.verifier.ChallengeIssued(t.Name()))

	clock.Advance(lb.registry.ttl + time.Second)
	_, err = lb.verifier.Confirm(ctx, vc.ChallengeToken, "12345")
	require.ErrorIs(t, err, ErrChallengeExpired)

	var outcomes []VerificationOutcome
	require.NoError(
		t,
		lb.gormDB.Where("subject_id = ?", t.Name()).Find(&outcomes).Error,
	)
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(StateExpired), outcomes[0].State)
	assert.Equal(t, "expired", outcomes[0].Detail)
}

func TestRejectionReason(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "challenge expired", RejectionReason(ErrChallengeExpired))
	assert.Equal(t, "too many attempts", RejectionReason(ErrMaxAttemptsExceeded))
	assert.Equal(
		t,
		"roblox account already linked",
		RejectionReason(ErrAlreadyBound),
	)
	assert.Equal(
		t,
		"challenge phrase not found on profile",
		RejectionReason(ErrOwnershipNotProven),
	)
	assert.Equal(
		t,
		"roblox user does not match",
		RejectionReason(ErrCandidateMismatch),
	)
	assert.Equal(t, "verification failed", RejectionReason(errors.New("boom")))
}
