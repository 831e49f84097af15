package lightbind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnUserUsername     = "username"
	columnUserGlobalName   = "global_name"
	columnUserLastSeen     = "last_seen"
	columnUserRobloxUserID = "roblox_user_id"
	columnUserVerifiedAt   = "verified_at"
)

// UserRecord is a record of a Discord user and their bound Roblox
// identity, if any.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type UserRecord struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// DiscordUserID is the Discord user ID
	DiscordUserID string `json:"discord_user_id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots are ignored.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are Lightbind-specific
	//

	// RobloxUserID is the bound Roblox account. Nil until a verification
	// confirms ownership. The unique index is what makes binding a
	// conditional write: two Discord users can never hold the same
	// Roblox ID.
	RobloxUserID *string `json:"roblox_user_id" gorm:"column:roblox_user_id;uniqueIndex"`

	// VerifiedAt is when the current binding was confirmed, unix millis
	VerifiedAt int64 `json:"verified_at" gorm:"column:verified_at"`

	// If true, commands from this user will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user issued a command
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUserRecord(u discordgo.User) (*UserRecord, error) {
	content, err := json.Marshal(u)
	user := UserRecord{
		DiscordUserID: u.ID,
		Username:      u.Username,
		Content:       string(content),
		GlobalName:    u.GlobalName,
		Bot:           u.Bot,
		LastSeen:      time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user, err
}

func (u *UserRecord) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.DiscordUserID)
}

func (u *UserRecord) Verified() bool {
	return u.RobloxUserID != nil && *u.RobloxUserID != ""
}

func (u *UserRecord) userChangedDiscordUsername(du discordgo.User) bool {
	return u.Username != du.Username || u.GlobalName != du.GlobalName
}

// PurchaseRecord links a product to the Discord user that bought it.
//
//nolint:lll // struct tags can't be split
type PurchaseRecord struct {
	ModelUintID
	DiscordUserID string `json:"discord_user_id" gorm:"column:discord_user_id;index"`
	ProductCode   string `json:"product_code" gorm:"column:product_code;index"`
	ModelUnixTime
}

// VerificationOutcome is an audit row written whenever a verification
// context reaches a terminal state.
//
//nolint:lll // struct tags can't be split
type VerificationOutcome struct {
	ModelUintID
	SubjectID      string `json:"subject_id" gorm:"column:subject_id;index"`
	ChallengeToken string `json:"challenge_token" gorm:"column:challenge_token"`
	RobloxUserID   string `json:"roblox_user_id" gorm:"column:roblox_user_id"`
	State          string `json:"state" gorm:"column:state"`
	AttemptCount   int    `json:"attempt_count" gorm:"column:attempt_count"`
	Detail         string `json:"detail" gorm:"column:detail"`
	ModelUnixTime
}

// CommandLog records each dispatched chat command and its outcome.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ModelUintID
	DiscordUserID string `json:"discord_user_id" gorm:"column:discord_user_id;index"`
	Command       string `json:"command" gorm:"column:command;index"`
	Args          string `json:"args" gorm:"column:args"`
	ChannelID     string `json:"channel_id" gorm:"column:channel_id"`
	Outcome       string `json:"outcome" gorm:"column:outcome"`
	ModelUnixTime
}

// IdentityStore bridges verification results and command lookups to the
// persistent user records. All bindings go through here so the
// uniqueness rules live in one place.
type IdentityStore struct {
	db     DBI
	logger *slog.Logger
}

func NewIdentityStore(db DBI, logger *slog.Logger) *IdentityStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityStore{
		db:     db,
		logger: logger.With(loggerNameKey, "identity_store"),
	}
}

// GetOrCreateUser retrieves a user from the cache or the database,
// creating a new record if one does not exist. The second return value
// is true when a new record was created.
func (s *IdentityStore) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*UserRecord, bool, error) {
	s.db.UserCacheLock()
	defer s.db.UserCacheUnlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = s.logger
	}

	if user, cachedUser := s.db.UserCache()[u.ID]; cachedUser {
		user.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserLastSeen: user.LastSeen}

		if user.userChangedDiscordUsername(u) {
			log.Info(
				"user changed username since last seen",
				slog.Group(
					"old",
					"username", user.Username,
					"global_name", user.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			user.Username = u.Username
			user.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err := s.db.Updates(ctx, user, updates); err != nil {
			log.Error("error updating user", "user", user, tint.Err(err))
		}
		return user, false, nil
	}

	user, _ := NewUserRecord(u)
	log.InfoContext(ctx, "creating new user", "user", user)

	_, err := s.db.Create(ctx, user)
	if err != nil {
		log.Error("error creating user", "user", user, tint.Err(err))
		return nil, true, errors.Join(ErrStorageUnavailable, err)
	}

	s.db.UserCache()[u.ID] = user
	return user, true, nil
}

// FindByDiscordID returns the record for the given Discord user ID,
// or nil if none exists.
func (s *IdentityStore) FindByDiscordID(
	ctx context.Context,
	discordUserID string,
) (*UserRecord, error) {
	var user UserRecord
	err := s.db.DB().WithContext(ctx).Where(
		"discord_user_id = ?",
		discordUserID,
	).Last(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return &user, nil
}

// FindByRobloxID returns the record currently bound to the given Roblox
// user ID, or nil if that identity is unbound.
func (s *IdentityStore) FindByRobloxID(
	ctx context.Context,
	robloxUserID string,
) (*UserRecord, error) {
	var user UserRecord
	err := s.db.DB().WithContext(ctx).Where(
		"roblox_user_id = ?",
		robloxUserID,
	).Last(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return &user, nil
}

// BindIdentity attaches robloxUserID to the given Discord user. The
// check and the write happen in one transaction, so a concurrent bind
// of the same Roblox ID loses either on the row check or on the unique
// index, never by silently overwriting.
//
// Re-binding the same pair is idempotent. A Roblox ID already held by a
// different Discord user returns [ErrAlreadyBound].
func (s *IdentityStore) BindIdentity(
	ctx context.Context,
	discordUserID string,
	robloxUserID string,
) error {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = s.logger
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing UserRecord
			findErr := tx.Where(
				"roblox_user_id = ?",
				robloxUserID,
			).Last(&existing).Error
			switch {
			case findErr == nil:
				if existing.DiscordUserID == discordUserID {
					return nil
				}
				return ErrAlreadyBound
			case !errors.Is(findErr, gorm.ErrRecordNotFound):
				return errors.Join(ErrStorageUnavailable, findErr)
			}

			now := time.Now().UTC().UnixMilli()
			rv := tx.Model(&UserRecord{DiscordUserID: discordUserID}).Updates(
				map[string]any{
					columnUserRobloxUserID: robloxUserID,
					columnUserVerifiedAt:   now,
				},
			)
			if rv.Error != nil {
				// A concurrent commit between our check and this write
				// lands here via the unique index.
				if errors.Is(rv.Error, gorm.ErrDuplicatedKey) {
					return ErrAlreadyBound
				}
				return errors.Join(ErrStorageUnavailable, rv.Error)
			}
			if rv.RowsAffected == 0 {
				return fmt.Errorf(
					"no user record for discord user %s", discordUserID,
				)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}

	if refreshed := s.db.ReloadUser(discordUserID); refreshed != nil {
		log.InfoContext(
			ctx,
			"bound identity",
			"discord_user_id", discordUserID,
			"roblox_user_id", robloxUserID,
		)
	}
	return nil
}

// RecordPurchase appends a purchase row for the given user.
func (s *IdentityStore) RecordPurchase(
	ctx context.Context,
	discordUserID string,
	productCode string,
) (*PurchaseRecord, error) {
	rec := &PurchaseRecord{
		DiscordUserID: discordUserID,
		ProductCode:   productCode,
	}
	if _, err := s.db.Create(ctx, rec); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return rec, nil
}

// Purchases returns all purchase rows for the given user, newest first.
func (s *IdentityStore) Purchases(
	ctx context.Context,
	discordUserID string,
) ([]PurchaseRecord, error) {
	var recs []PurchaseRecord
	err := s.db.DB().WithContext(ctx).Where(
		"discord_user_id = ?",
		discordUserID,
	).Order("created_at desc").Find(&recs).Error
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return recs, nil
}

// RecordOutcome persists an audit row for a terminally resolved
// verification context. Failures are logged, not returned: the context
// itself has already resolved.
func (s *IdentityStore) RecordOutcome(
	ctx context.Context,
	vc *VerificationContext,
	detail string,
) {
	rec := &VerificationOutcome{
		SubjectID:      vc.SubjectID,
		ChallengeToken: vc.ChallengeToken,
		RobloxUserID:   vc.RobloxUserID,
		State:          string(vc.State),
		AttemptCount:   vc.AttemptCount,
		Detail:         detail,
	}
	if _, err := s.db.Create(ctx, rec); err != nil {
		s.logger.ErrorContext(
			ctx,
			"error recording verification outcome",
			"outcome", rec,
			tint.Err(err),
		)
	}
}
