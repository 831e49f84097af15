package lightbind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	verifyCommandName       = "verify"
	verifyStatusCommandName = "verifystatus"

	verifyCommandCooldown       = 10 * time.Second
	verifyStatusCommandCooldown = 3 * time.Second
)

// verifyCommand starts (or restarts) identity verification for the
// calling user.
//
// Usage: !verify <roblox_user_id>
func (lb *Lightbind) verifyCommand(
	ctx context.Context,
	req *CommandRequest,
) (string, error) {
	if len(req.Args) != 1 {
		return fmt.Sprintf(
			"Usage: `%sverify <roblox_user_id>`",
			lb.config.Discord.CommandPrefix,
		), nil
	}
	robloxUserID := strings.TrimSpace(req.Args[0])
	if !isDigits(robloxUserID) {
		return "That doesn't look like a Roblox user id (digits only).", nil
	}

	user, _, err := lb.store.GetOrCreateUser(ctx, req.DiscordUser)
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}
	if user.Verified() && stringPointerValue(user.RobloxUserID) == robloxUserID {
		return "You're already verified with that Roblox account!", nil
	}

	vc, err := lb.verifier.Begin(ctx, req.SubjectID, robloxUserID)
	switch {
	case errors.Is(err, ErrAlreadyPending):
		return "You already have a verification in progress. " +
			"Finish it or wait for it to expire before starting another.", nil
	case errors.Is(err, ErrAlreadyBound):
		return "That Roblox account is already linked to another Discord user.", nil
	case err != nil:
		return "Something went wrong, please try again in a moment.", err
	}

	if markErr := lb.verifier.ChallengeIssued(req.SubjectID); markErr != nil {
		return "Something went wrong, please try again in a moment.", markErr
	}

	expiresIn := time.Until(vc.ExpiresAt).Round(time.Minute)
	reply := fmt.Sprintf(
		"To verify you own Roblox account `%s`:\n"+
			"1. Open your Roblox profile and edit your **About** section\n"+
			"2. Add this phrase anywhere in it:\n```%s```\n"+
			"3. Submit the verification form (or run this command's link) "+
			"within **%s**\n"+
			"You can remove the phrase once you're verified.",
		robloxUserID,
		vc.ChallengeToken,
		expiresIn,
	)
	return truncate(reply, discordMaxMessageLength), nil
}

// verifyStatusCommand reports the caller's current verification state,
// either a live challenge or their existing binding.
func (lb *Lightbind) verifyStatusCommand(
	ctx context.Context,
	req *CommandRequest,
) (string, error) {
	if vc := lb.verifier.Status(req.SubjectID); vc != nil && !vc.State.Terminal() {
		remaining := time.Until(vc.ExpiresAt).Round(time.Second)
		return fmt.Sprintf(
			"You have a verification in progress for Roblox account `%s` "+
				"(%d attempt(s) used, expires in %s).",
			vc.RobloxUserID,
			vc.AttemptCount,
			remaining,
		), nil
	}

	user, err := lb.store.FindByDiscordID(ctx, req.SubjectID)
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}
	if user == nil || !user.Verified() {
		return fmt.Sprintf(
			"You aren't verified yet. Run `%sverify <roblox_user_id>` to start.",
			lb.config.Discord.CommandPrefix,
		), nil
	}

	verifiedAt := time.UnixMilli(user.VerifiedAt).UTC()
	return fmt.Sprintf(
		"You're verified! Linked Roblox account: `%s` (since %s).",
		stringPointerValue(user.RobloxUserID),
		verifiedAt.Format(time.DateOnly),
	), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
