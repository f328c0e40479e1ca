package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Link codes bind a YouTube channel to the identity behind a Discord
// account. Wire format: 8 chars from [A-Z0-9], TTL 10 minutes.
const (
	linkCodeTTL      = 10 * time.Minute
	linkCodeLength   = 8
	linkCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	linkCodeRetries  = 5
)

// Link token statuses.
const (
	TokenActive   = "active"
	TokenConsumed = "consumed"
	TokenReplaced = "replaced"
	TokenExpired  = "expired"
)

// LinkCode is the result of issuing a new link code.
type LinkCode struct {
	Code      string
	ExpiresAt time.Time
	UserID    int64
}

// ConsumeResult describes a successful code consumption.
type ConsumeResult struct {
	PrimaryUserID    int64
	DiscordID        string
	YouTubeChannelID string
	Merged           bool
}

// UnlinkResult describes a completed split.
type UnlinkResult struct {
	KeptUserID int64
	NewUserID  int64
}

// ForceLinkResult describes a moderator force-link.
type ForceLinkResult struct {
	TargetUserID   int64
	PreviousUserID int64
}

func generateLinkCode() (string, error) {
	buf := make([]byte, linkCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	for i, b := range buf {
		buf[i] = linkCodeAlphabet[int(b)%len(linkCodeAlphabet)]
	}
	return string(buf), nil
}

// CreateLinkCode issues a fresh link code for a Discord account. Any
// previous active code for the same account transitions to "replaced".
// Owner resolution and token issuance share one transaction so a
// concurrent merge cannot slip between them.
func (s *Store) CreateLinkCode(ctx context.Context, discordID, discordName string) (*LinkCode, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(linkCodeTTL)
	var (
		code    string
		ownerID int64
	)

	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		owner, _, err := getOrCreateDiscordProfile(tx, discordID, discordName, nil)
		if err != nil {
			return err
		}
		ownerID = owner.UserID

		issuedAt := now.Format(timeLayout)
		if _, err := tx.Exec(
			`UPDATE link_tokens SET status = ?, consumed_at = ? WHERE discord_user_id = ? AND status = ?`,
			TokenReplaced, issuedAt, discordID, TokenActive,
		); err != nil {
			return wrapBusy(err, "failed to replace previous codes")
		}

		for attempt := 0; attempt < linkCodeRetries; attempt++ {
			candidate, err := generateLinkCode()
			if err != nil {
				return err
			}
			var exists int
			err = tx.QueryRow(`SELECT 1 FROM link_tokens WHERE code = ?`, candidate).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				code = candidate
				break
			}
			if err != nil {
				return wrapBusy(err, "failed to check code collision")
			}
		}
		if code == "" {
			return errors.New("failed to generate a unique link code")
		}

		_, err = tx.Exec(
			`INSERT INTO link_tokens (code, discord_user_id, discord_user_name, discord_owner_user_id, status, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			code, discordID, discordName, ownerID, TokenActive, issuedAt, expiresAt.Format(timeLayout),
		)
		return wrapBusy(err, "failed to insert link token")
	})
	if err != nil {
		return nil, err
	}
	return &LinkCode{Code: code, ExpiresAt: expiresAt, UserID: ownerID}, nil
}

// ResolveActiveUserID walks the id-link map from a possibly merged-away id
// to its active successor. Resolution is single-level: merges always record
// the final winner, so chains do not occur in practice.
func (s *Store) ResolveActiveUserID(ctx context.Context, userID int64) int64 {
	var primary int64
	err := s.db.QueryRowContext(ctx,
		`SELECT primary_user_id FROM user_id_links WHERE inactive_user_id = ? AND is_active = 1 LIMIT 1`,
		userID,
	).Scan(&primary)
	if err != nil {
		return userID
	}
	return primary
}

func resolveActiveUserIDTx(tx *Tx, userID int64) int64 {
	var primary int64
	err := tx.QueryRow(
		`SELECT primary_user_id FROM user_id_links WHERE inactive_user_id = ? AND is_active = 1 LIMIT 1`,
		userID,
	).Scan(&primary)
	if err != nil {
		return userID
	}
	return primary
}

// ConsumeLinkCode consumes a Discord-issued code from the YouTube side and
// binds both platforms to one identity, merging economies when the YouTube
// channel already belonged to someone else.
func (s *Store) ConsumeLinkCode(ctx context.Context, code, channelID, ytName string, avatarURL *string) (*ConsumeResult, error) {
	result := &ConsumeResult{YouTubeChannelID: channelID}

	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		now := nowISO()
		var (
			tokenID     int64
			status      string
			expiresAt   string
			ownerUserID int64
			discordID   string
			discordName sql.NullString
		)
		err := tx.QueryRow(
			`SELECT id, status, expires_at, discord_owner_user_id, discord_user_id, discord_user_name
			 FROM link_tokens WHERE code = ? LIMIT 1`, code,
		).Scan(&tokenID, &status, &expiresAt, &ownerUserID, &discordID, &discordName)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeInvalid
		}
		if err != nil {
			return wrapBusy(err, "failed to load link token")
		}
		if status != TokenActive {
			return ErrCodeInvalid
		}
		if exp, err := parseISO(expiresAt); err == nil && time.Now().UTC().After(exp) {
			// Lazy expiry: flip the token before rejecting. The status
			// update must survive the rollback of this operation, so it is
			// performed after the transaction by the caller path below.
			_, _ = tx.Exec(`UPDATE link_tokens SET status = ? WHERE id = ?`, TokenExpired, tokenID)
			return errCommitThenFail{ErrCodeExpired}
		}

		ytProfile, _, err := getOrCreateYouTubeProfile(tx, channelID, ytName, avatarURL)
		if err != nil {
			return err
		}

		primary := ownerUserID
		secondary := ytProfile.UserID
		if secondary != primary {
			if err := mergeUserData(tx, secondary, primary, "discord_youtube_link_merge"); err != nil {
				return err
			}
			result.Merged = true
		}

		if _, err := tx.Exec(
			`UPDATE youtube_profile SET user_id = ?, updated_at = ? WHERE youtube_channel_id = ?`,
			primary, now, channelID,
		); err != nil {
			return wrapBusy(err, "failed to reassign youtube profile")
		}

		if err := registerLinkedAccount(tx, primary, PlatformDiscord, discordID, discordName.String); err != nil {
			return err
		}
		if err := registerLinkedAccount(tx, primary, PlatformYouTube, channelID, ytName); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`UPDATE link_tokens SET status = ?, consumed_at = ?, consumed_by_youtube_channel_id = ? WHERE id = ?`,
			TokenConsumed, now, channelID, tokenID,
		); err != nil {
			return wrapBusy(err, "failed to consume link token")
		}

		result.PrimaryUserID = primary
		result.DiscordID = discordID
		return nil
	})
	if err != nil {
		var commitFail errCommitThenFail
		if errors.As(err, &commitFail) {
			// The expiry mark was rolled back with the transaction; redo it
			// outside so the token does not stay active.
			_, _ = s.db.ExecContext(ctx,
				`UPDATE link_tokens SET status = ? WHERE code = ? AND status = ?`,
				TokenExpired, code, TokenActive)
			return nil, commitFail.err
		}
		return nil, err
	}
	return result, nil
}

// errCommitThenFail carries a user-facing failure whose side effect must
// still be persisted.
type errCommitThenFail struct{ err error }

func (e errCommitThenFail) Error() string { return e.err.Error() }
func (e errCommitThenFail) Unwrap() error { return e.err }

// registerLinkedAccount appends the audit row for (provider, external id),
// keeping exactly one is_active=1 row per pair.
func registerLinkedAccount(tx *Tx, userID int64, provider, providerUserID, usernameSnapshot string) error {
	now := nowISO()
	if _, err := tx.Exec(
		`DELETE FROM linked_accounts WHERE provider = ? AND provider_user_id = ? AND is_active = 0`,
		provider, providerUserID,
	); err != nil {
		return wrapBusy(err, "failed to prune stale audit rows")
	}
	if _, err := tx.Exec(
		`UPDATE linked_accounts SET is_active = 0, unlinked_at = ? WHERE provider = ? AND provider_user_id = ? AND is_active = 1`,
		now, provider, providerUserID,
	); err != nil {
		return wrapBusy(err, "failed to deactivate audit rows")
	}
	_, err := tx.Exec(
		`INSERT INTO linked_accounts (user_id, provider, provider_user_id, provider_username_snapshot, is_active, linked_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		userID, provider, providerUserID, usernameSnapshot, now,
	)
	return wrapBusy(err, "failed to insert audit row")
}

// mergeUserData moves every economy trace from one identity to another:
// ledger, earning events, cooldowns (keeping the newest timestamp per
// scope), platform wallets (summed) and inventory (summed). The source's
// total wallet is zeroed and the id-link map records the redirect.
//
// Wallet invariant: the sum of platform balances over both identities is
// identical before and after the merge.
func mergeUserData(tx *Tx, fromUserID, toUserID int64, reason string) error {
	if fromUserID == toUserID {
		return nil
	}
	now := nowISO()

	if _, err := tx.Exec(`UPDATE wallet_ledger SET user_id = ? WHERE user_id = ?`, toUserID, fromUserID); err != nil {
		return wrapBusy(err, "failed to move ledger rows")
	}
	if _, err := tx.Exec(`UPDATE earning_events SET user_id = ? WHERE user_id = ?`, toUserID, fromUserID); err != nil {
		return wrapBusy(err, "failed to move earning events")
	}

	rows, err := tx.Query(`SELECT guild_id, last_earned_at FROM earning_cooldown WHERE user_id = ?`, fromUserID)
	if err != nil {
		return wrapBusy(err, "failed to read cooldowns")
	}
	type cooldown struct{ guildID, lastEarnedAt string }
	var cooldowns []cooldown
	for rows.Next() {
		var c cooldown
		if err := rows.Scan(&c.guildID, &c.lastEarnedAt); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan cooldown")
		}
		cooldowns = append(cooldowns, c)
	}
	rows.Close()
	for _, c := range cooldowns {
		if _, err := tx.Exec(
			`INSERT INTO earning_cooldown (user_id, guild_id, last_earned_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, guild_id)
			 DO UPDATE SET
				last_earned_at = CASE
					WHEN excluded.last_earned_at > earning_cooldown.last_earned_at
					THEN excluded.last_earned_at
					ELSE earning_cooldown.last_earned_at
				END,
				updated_at = excluded.updated_at`,
			toUserID, c.guildID, c.lastEarnedAt, now, now,
		); err != nil {
			return wrapBusy(err, "failed to merge cooldown")
		}
	}
	if _, err := tx.Exec(`DELETE FROM earning_cooldown WHERE user_id = ?`, fromUserID); err != nil {
		return wrapBusy(err, "failed to clear source cooldowns")
	}

	if err := mergePlatformWallets(tx, fromUserID, toUserID); err != nil {
		return err
	}
	if err := mergeInventory(tx, fromUserID, toUserID); err != nil {
		return err
	}

	if _, err := syncTotalWallet(tx, toUserID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE wallets SET balance = 0, updated_at = ? WHERE user_id = ?`, now, fromUserID); err != nil {
		return wrapBusy(err, "failed to zero source wallet")
	}

	_, err = tx.Exec(
		`INSERT INTO user_id_links (primary_user_id, inactive_user_id, link_reason, created_at, is_active)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(inactive_user_id)
		 DO UPDATE SET
			primary_user_id = excluded.primary_user_id,
			link_reason = excluded.link_reason,
			created_at = excluded.created_at,
			is_active = 1`,
		toUserID, fromUserID, reason, now,
	)
	return wrapBusy(err, "failed to record id link")
}

func mergePlatformWallets(tx *Tx, fromUserID, toUserID int64) error {
	now := nowISO()
	rows, err := tx.Query(`SELECT platform, balance FROM platform_wallets WHERE user_id = ?`, fromUserID)
	if err != nil {
		return wrapBusy(err, "failed to read platform wallets")
	}
	type bal struct {
		platform string
		balance  float64
	}
	var balances []bal
	for rows.Next() {
		var b bal
		if err := rows.Scan(&b.platform, &b.balance); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan platform wallet")
		}
		balances = append(balances, b)
	}
	rows.Close()

	for _, b := range balances {
		if _, err := tx.Exec(
			`INSERT INTO platform_wallets (user_id, platform, balance, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, platform)
			 DO UPDATE SET
				balance = platform_wallets.balance + excluded.balance,
				updated_at = excluded.updated_at`,
			toUserID, b.platform, b.balance, now, now,
		); err != nil {
			return wrapBusy(err, "failed to merge platform wallet")
		}
	}
	_, err = tx.Exec(`DELETE FROM platform_wallets WHERE user_id = ?`, fromUserID)
	return wrapBusy(err, "failed to clear source platform wallets")
}

// deactivateLinkedAccounts closes every active audit row for an identity.
// Stale inactive duplicates that would collide with the UNIQUE(provider,
// provider_user_id, is_active) index are pruned first.
func deactivateLinkedAccounts(tx *Tx, userID int64) error {
	now := nowISO()
	if _, err := tx.Exec(
		`DELETE FROM linked_accounts
		 WHERE is_active = 0
		   AND EXISTS (
			SELECT 1 FROM linked_accounts AS la_active
			WHERE la_active.user_id = ?
			  AND la_active.is_active = 1
			  AND la_active.provider = linked_accounts.provider
			  AND la_active.provider_user_id = linked_accounts.provider_user_id
		   )`,
		userID,
	); err != nil {
		return wrapBusy(err, "failed to prune audit duplicates")
	}
	_, err := tx.Exec(
		`UPDATE linked_accounts SET is_active = 0, unlinked_at = ? WHERE user_id = ? AND is_active = 1`,
		now, userID,
	)
	return wrapBusy(err, "failed to deactivate audit rows")
}

// findRecoverableInactiveUserID looks for a historical merged-away id that
// no longer owns any profile; a split reuses it instead of minting a new
// identity so old ledger references stay meaningful.
func findRecoverableInactiveUserID(tx *Tx, activeUserID int64) (int64, bool, error) {
	rows, err := tx.Query(
		`SELECT inactive_user_id FROM user_id_links
		 WHERE primary_user_id = ? AND is_active = 1
		 ORDER BY created_at DESC, id DESC`,
		activeUserID,
	)
	if err != nil {
		return 0, false, wrapBusy(err, "failed to list inactive ids")
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, false, errors.Wrap(err, "failed to scan inactive id")
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	for _, candidate := range candidates {
		if candidate == activeUserID {
			continue
		}
		var one int
		if err := tx.QueryRow(`SELECT 1 FROM users WHERE user_id = ? LIMIT 1`, candidate).Scan(&one); err != nil {
			continue
		}
		var owns int
		err := tx.QueryRow(
			`SELECT 1 FROM discord_profile WHERE user_id = ?
			 UNION SELECT 1 FROM youtube_profile WHERE user_id = ? LIMIT 1`,
			candidate, candidate,
		).Scan(&owns)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, true, nil
		}
	}
	return 0, false, nil
}

func setPlatformBalance(tx *Tx, userID int64, platform string, balance float64) error {
	now := nowISO()
	if _, err := tx.Exec(
		`INSERT INTO platform_wallets (user_id, platform, balance, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(user_id, platform) DO NOTHING`,
		userID, platform, now, now,
	); err != nil {
		return wrapBusy(err, "failed to ensure platform wallet")
	}
	_, err := tx.Exec(
		`UPDATE platform_wallets SET balance = ?, updated_at = ? WHERE user_id = ? AND platform = ?`,
		RoundAmount(balance), now, userID, platform,
	)
	return wrapBusy(err, "failed to set platform balance")
}

// splitLinkedUser performs the unlink: the kept platform retains the whole
// combined balance, the moved platform restarts at zero under a new (or
// recovered) identity. Total balance over both identities is conserved.
func splitLinkedUser(tx *Tx, activeUserID int64, keepPlatform string) (UnlinkResult, error) {
	var result UnlinkResult
	movePlatform := PlatformYouTube
	if keepPlatform == PlatformYouTube {
		movePlatform = PlatformDiscord
	}
	now := nowISO()

	var keepBalance float64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(balance), 0) FROM platform_wallets WHERE user_id = ?`, activeUserID,
	).Scan(&keepBalance); err != nil {
		return result, wrapBusy(err, "failed to sum balances")
	}
	keepBalance = RoundAmount(keepBalance)

	var (
		discordRowID int64
		discordID    string
		discordName  sql.NullString
		youtubeRowID int64
		youtubeChan  string
		youtubeName  sql.NullString
	)
	err := tx.QueryRow(
		`SELECT id, discord_id, discord_username FROM discord_profile WHERE user_id = ? LIMIT 1`, activeUserID,
	).Scan(&discordRowID, &discordID, &discordName)
	if errors.Is(err, sql.ErrNoRows) {
		return result, ErrNotLinked
	}
	if err != nil {
		return result, wrapBusy(err, "failed to load discord profile")
	}
	err = tx.QueryRow(
		`SELECT id, youtube_channel_id, youtube_username FROM youtube_profile WHERE user_id = ? LIMIT 1`, activeUserID,
	).Scan(&youtubeRowID, &youtubeChan, &youtubeName)
	if errors.Is(err, sql.ErrNoRows) {
		return result, ErrNotLinked
	}
	if err != nil {
		return result, wrapBusy(err, "failed to load youtube profile")
	}

	var moveUsername, moveProviderID, moveSnapshot, keepProviderID, keepSnapshot string
	if movePlatform == PlatformDiscord {
		moveUsername = discordName.String
		if moveUsername == "" {
			moveUsername = discordID
		}
		moveProviderID, moveSnapshot = discordID, discordName.String
		keepProviderID, keepSnapshot = youtubeChan, youtubeName.String
	} else {
		moveUsername = youtubeName.String
		if moveUsername == "" {
			moveUsername = youtubeChan
		}
		moveProviderID, moveSnapshot = youtubeChan, youtubeName.String
		keepProviderID, keepSnapshot = discordID, discordName.String
	}

	newUserID, recovered, err := findRecoverableInactiveUserID(tx, activeUserID)
	if err != nil {
		return result, err
	}
	if recovered {
		if _, err := tx.Exec(
			`UPDATE users SET username = ?, updated_at = ? WHERE user_id = ?`,
			moveUsername, now, newUserID,
		); err != nil {
			return result, wrapBusy(err, "failed to revive inactive identity")
		}
	} else {
		res, err := tx.Exec(
			`INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)`,
			moveUsername, now, now,
		)
		if err != nil {
			return result, wrapBusy(err, "failed to create split identity")
		}
		newUserID, err = res.LastInsertId()
		if err != nil {
			return result, errors.Wrap(err, "failed to read split identity id")
		}
	}

	if movePlatform == PlatformDiscord {
		if _, err := tx.Exec(`UPDATE discord_profile SET user_id = ?, updated_at = ? WHERE id = ?`, newUserID, now, discordRowID); err != nil {
			return result, wrapBusy(err, "failed to move discord profile")
		}
	} else {
		if _, err := tx.Exec(`UPDATE youtube_profile SET user_id = ?, updated_at = ? WHERE id = ?`, newUserID, now, youtubeRowID); err != nil {
			return result, wrapBusy(err, "failed to move youtube profile")
		}
	}

	// Split policy: the platform that stays keeps the full combined
	// balance, everything else restarts at zero.
	if err := setPlatformBalance(tx, activeUserID, keepPlatform, keepBalance); err != nil {
		return result, err
	}
	if err := setPlatformBalance(tx, activeUserID, movePlatform, 0); err != nil {
		return result, err
	}
	if err := setPlatformBalance(tx, newUserID, movePlatform, 0); err != nil {
		return result, err
	}
	if err := setPlatformBalance(tx, newUserID, keepPlatform, 0); err != nil {
		return result, err
	}
	if _, err := syncTotalWallet(tx, activeUserID); err != nil {
		return result, err
	}
	if _, err := syncTotalWallet(tx, newUserID); err != nil {
		return result, err
	}

	if err := deactivateLinkedAccounts(tx, activeUserID); err != nil {
		return result, err
	}
	if err := registerLinkedAccount(tx, activeUserID, keepPlatform, keepProviderID, keepSnapshot); err != nil {
		return result, err
	}
	if err := registerLinkedAccount(tx, newUserID, movePlatform, moveProviderID, moveSnapshot); err != nil {
		return result, err
	}

	if _, err := tx.Exec(`UPDATE user_id_links SET is_active = 0 WHERE primary_user_id = ?`, activeUserID); err != nil {
		return result, wrapBusy(err, "failed to deactivate id links")
	}

	result.KeptUserID = activeUserID
	result.NewUserID = newUserID
	return result, nil
}

// UnlinkFromDiscord splits the caller's identity keeping the combined
// balance on Discord.
func (s *Store) UnlinkFromDiscord(ctx context.Context, discordID string) (*UnlinkResult, error) {
	return s.unlink(ctx, PlatformDiscord, discordID)
}

// UnlinkFromYouTube splits the caller's identity keeping the combined
// balance on YouTube.
func (s *Store) UnlinkFromYouTube(ctx context.Context, channelID string) (*UnlinkResult, error) {
	return s.unlink(ctx, PlatformYouTube, channelID)
}

func (s *Store) unlink(ctx context.Context, keepPlatform, externalID string) (*UnlinkResult, error) {
	var result UnlinkResult
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		var userID int64
		var err error
		if keepPlatform == PlatformDiscord {
			err = tx.QueryRow(`SELECT user_id FROM discord_profile WHERE discord_id = ? LIMIT 1`, externalID).Scan(&userID)
		} else {
			err = tx.QueryRow(`SELECT user_id FROM youtube_profile WHERE youtube_channel_id = ? LIMIT 1`, externalID).Scan(&userID)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotLinked
		}
		if err != nil {
			return wrapBusy(err, "failed to find profile")
		}

		active := resolveActiveUserIDTx(tx, userID)
		result, err = splitLinkedUser(tx, active, keepPlatform)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ForceLinkDiscord binds a Discord account to an existing identity without
// a code exchange, applying the same merge semantics. It refuses when the
// Discord account is already merged with a different YouTube channel.
func (s *Store) ForceLinkDiscord(ctx context.Context, discordID, discordName string, targetUserID int64) (*ForceLinkResult, error) {
	var result ForceLinkResult
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		now := nowISO()
		target := resolveActiveUserIDTx(tx, targetUserID)

		var one int
		if err := tx.QueryRow(`SELECT 1 FROM users WHERE user_id = ? LIMIT 1`, target).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownUser
			}
			return wrapBusy(err, "failed to check target identity")
		}

		var targetChannel string
		err := tx.QueryRow(`SELECT youtube_channel_id FROM youtube_profile WHERE user_id = ? LIMIT 1`, target).Scan(&targetChannel)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(ErrNotLinked, "target identity has no youtube profile")
		}
		if err != nil {
			return wrapBusy(err, "failed to load target youtube profile")
		}

		var (
			sourceRowID  int64
			sourceUserID int64
		)
		err = tx.QueryRow(`SELECT id, user_id FROM discord_profile WHERE discord_id = ? LIMIT 1`, discordID).Scan(&sourceRowID, &sourceUserID)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := tx.Exec(`INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)`, discordName, now, now)
			if err != nil {
				return wrapBusy(err, "failed to create identity")
			}
			sourceUserID, err = res.LastInsertId()
			if err != nil {
				return errors.Wrap(err, "failed to read new user id")
			}
			res, err = tx.Exec(
				`INSERT INTO discord_profile (user_id, discord_id, discord_username, avatar_url, created_at, updated_at)
				 VALUES (?, ?, ?, NULL, ?, ?)`,
				sourceUserID, discordID, discordName, now, now,
			)
			if err != nil {
				return wrapBusy(err, "failed to create discord profile")
			}
			sourceRowID, _ = res.LastInsertId()
		} else if err != nil {
			return wrapBusy(err, "failed to load discord profile")
		}

		sourceUserID = resolveActiveUserIDTx(tx, sourceUserID)

		var sourceChannel string
		err = tx.QueryRow(`SELECT youtube_channel_id FROM youtube_profile WHERE user_id = ? LIMIT 1`, sourceUserID).Scan(&sourceChannel)
		if err == nil && sourceUserID != target && sourceChannel != targetChannel {
			return ErrLinkConflict
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return wrapBusy(err, "failed to check source youtube profile")
		}

		if sourceUserID != target {
			if err := mergeUserData(tx, sourceUserID, target, "force_link_merge"); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(
			`UPDATE discord_profile SET user_id = ?, discord_username = ?, updated_at = ? WHERE id = ?`,
			target, discordName, now, sourceRowID,
		); err != nil {
			return wrapBusy(err, "failed to reassign discord profile")
		}

		if err := deactivateLinkedAccounts(tx, target); err != nil {
			return err
		}
		if err := registerLinkedAccount(tx, target, PlatformDiscord, discordID, discordName); err != nil {
			return err
		}
		if err := registerLinkedAccount(tx, target, PlatformYouTube, targetChannel, ""); err != nil {
			return err
		}
		if _, err := syncTotalWallet(tx, target); err != nil {
			return err
		}

		result = ForceLinkResult{TargetUserID: target, PreviousUserID: sourceUserID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ForceUnlinkDiscord is the moderator unlink; same split semantics as the
// self-service one.
func (s *Store) ForceUnlinkDiscord(ctx context.Context, discordID string) (*UnlinkResult, error) {
	return s.UnlinkFromDiscord(ctx, discordID)
}
