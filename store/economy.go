package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Ledger reasons written by the store itself. Callers may pass their own
// reasons through ApplyBalanceDelta.
const (
	ReasonMessageEarn = "message_earning"
	ReasonTransferOut = "transfer_out"
	ReasonTransferIn  = "transfer_in"
)

// AwardResult reports the outcome of a message-earning attempt.
type AwardResult struct {
	Awarded    bool
	Amount     float64
	NewBalance float64
	UserID     int64
	// Skipped distinguishes a cooldown/duplicate no-op from a real award.
	Skipped string
}

// Skip reasons.
const (
	SkipCooldown  = "cooldown"
	SkipDuplicate = "duplicate"
)

// BalanceDelta reports the before/after totals of a wallet mutation, for
// milestone tracking downstream.
type BalanceDelta struct {
	UserID          int64
	PreviousBalance float64
	NewBalance      float64
}

// LedgerEntry is one wallet_ledger row.
type LedgerEntry struct {
	ID        int64
	UserID    int64
	Amount    float64
	Reason    string
	Platform  sql.NullString
	GuildID   sql.NullString
	ChannelID sql.NullString
	SourceID  sql.NullString
	CreatedAt string
}

// LeaderboardEntry is one row of the top-balances view.
type LeaderboardEntry struct {
	UserID   int64
	Username string
	Balance  float64
}

// syncTotalWallet recomputes the total wallet from the platform wallets and
// returns the new total. The total is derived state; platform wallets are
// the source of truth.
func syncTotalWallet(tx *Tx, userID int64) (float64, error) {
	var total float64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(balance), 0) FROM platform_wallets WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return 0, wrapBusy(err, "failed to sum platform wallets")
	}
	total = RoundAmount(total)
	now := nowISO()
	_, err := tx.Exec(
		`INSERT INTO wallets (user_id, balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		userID, total, now, now,
	)
	return total, wrapBusy(err, "failed to sync total wallet")
}

func creditPlatform(tx *Tx, userID int64, platform string, amount float64) error {
	now := nowISO()
	_, err := tx.Exec(
		`INSERT INTO platform_wallets (user_id, platform, balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, platform)
		 DO UPDATE SET
			balance = ROUND(platform_wallets.balance + excluded.balance, 2),
			updated_at = excluded.updated_at`,
		userID, platform, RoundAmount(amount), now, now,
	)
	return wrapBusy(err, "failed to credit platform wallet")
}

func writeLedger(tx *Tx, userID int64, amount float64, reason, platform, guildID, channelID, sourceID string) error {
	_, err := tx.Exec(
		`INSERT INTO wallet_ledger (user_id, amount, reason, platform, guild_id, channel_id, source_id, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`,
		userID, RoundAmount(amount), reason, platform, guildID, channelID, sourceID, nowISO(),
	)
	return wrapBusy(err, "failed to write ledger")
}

// awardMessagePoints is the shared earning path. Write order matters:
// dedupe check first, then cooldown, and only then the mutation chain, so a
// duplicate delivery never consumes a cooldown slot.
func (s *Store) awardMessagePoints(ctx context.Context, userID int64, platform, guildID, channelID, sourceID string, amount float64, cooldown time.Duration) (*AwardResult, error) {
	result := &AwardResult{UserID: userID}
	amount = RoundAmount(amount)
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		userID = resolveActiveUserIDTx(tx, userID)
		result.UserID = userID
		now := time.Now().UTC()

		if sourceID != "" {
			var one int
			err := tx.QueryRow(
				`SELECT 1 FROM earning_events WHERE platform = ? AND source_id = ? LIMIT 1`,
				platform, sourceID,
			).Scan(&one)
			if err == nil {
				result.Skipped = SkipDuplicate
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return wrapBusy(err, "failed to check earning event")
			}
		}

		var lastEarned string
		err := tx.QueryRow(
			`SELECT last_earned_at FROM earning_cooldown WHERE user_id = ? AND guild_id = ? LIMIT 1`,
			userID, guildID,
		).Scan(&lastEarned)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return wrapBusy(err, "failed to check cooldown")
		}
		if err == nil {
			if last, perr := parseISO(lastEarned); perr == nil && now.Sub(last) < cooldown {
				result.Skipped = SkipCooldown
				return nil
			}
		}

		if err := creditPlatform(tx, userID, platform, amount); err != nil {
			return err
		}
		total, err := syncTotalWallet(tx, userID)
		if err != nil {
			return err
		}
		if err := writeLedger(tx, userID, amount, ReasonMessageEarn, platform, guildID, channelID, sourceID); err != nil {
			return err
		}
		if sourceID != "" {
			if _, err := tx.Exec(
				`INSERT INTO earning_events (platform, source_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
				platform, sourceID, userID, now.Format(timeLayout),
			); err != nil {
				return wrapBusy(err, "failed to record earning event")
			}
		}
		nowISO := now.Format(timeLayout)
		if _, err := tx.Exec(
			`INSERT INTO earning_cooldown (user_id, guild_id, last_earned_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, guild_id)
			 DO UPDATE SET last_earned_at = excluded.last_earned_at, updated_at = excluded.updated_at`,
			userID, guildID, nowISO, nowISO, nowISO,
		); err != nil {
			return wrapBusy(err, "failed to update cooldown")
		}

		result.Awarded = true
		result.Amount = amount
		result.NewBalance = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AwardDiscordMessagePoints credits the per-message reward for a Discord
// message, subject to the per-guild cooldown.
func (s *Store) AwardDiscordMessagePoints(ctx context.Context, discordID, username, guildID, channelID, messageID string, amount float64, cooldown time.Duration) (*AwardResult, error) {
	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, discordID, username, nil)
	if err != nil {
		return nil, err
	}
	return s.awardMessagePoints(ctx, identity.UserID, PlatformDiscord, guildID, channelID, messageID, amount, cooldown)
}

// AwardYouTubeMessagePoints credits the per-message reward for a YouTube
// live-chat message. The live-chat message id is the dedupe source id and
// the broadcast channel stands in for the guild scope.
func (s *Store) AwardYouTubeMessagePoints(ctx context.Context, channelID, username, broadcastChannelID, messageID string, amount float64, cooldown time.Duration) (*AwardResult, error) {
	identity, _, _, err := s.GetOrCreateYouTubeUser(ctx, channelID, username, nil)
	if err != nil {
		return nil, err
	}
	return s.awardMessagePoints(ctx, identity.UserID, PlatformYouTube, broadcastChannelID, broadcastChannelID, messageID, amount, cooldown)
}

// applyDeltaTx mutates a wallet inside an open transaction. A positive
// amount credits the given platform; a negative amount debits the preferred
// platform first and then the remaining platforms in SupportedPlatforms
// order. The identity must already exist.
func applyDeltaTx(tx *Tx, userID int64, amount float64, preferredPlatform, reason, guildID, channelID string) (BalanceDelta, error) {
	var delta BalanceDelta
	userID = resolveActiveUserIDTx(tx, userID)
	delta.UserID = userID
	amount = RoundAmount(amount)

	var one int
	if err := tx.QueryRow(`SELECT 1 FROM users WHERE user_id = ? LIMIT 1`, userID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return delta, ErrUnknownUser
		}
		return delta, wrapBusy(err, "failed to check identity")
	}

	var prev float64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(balance), 0) FROM platform_wallets WHERE user_id = ?`, userID,
	).Scan(&prev); err != nil {
		return delta, wrapBusy(err, "failed to read balance")
	}
	delta.PreviousBalance = RoundAmount(prev)

	if amount >= 0 {
		if err := creditPlatform(tx, userID, preferredPlatform, amount); err != nil {
			return delta, err
		}
	} else {
		need := RoundAmount(-amount)
		if delta.PreviousBalance < need {
			return delta, ErrInsufficientFunds
		}
		order := []string{preferredPlatform}
		for _, p := range SupportedPlatforms {
			if p != preferredPlatform {
				order = append(order, p)
			}
		}
		remaining := need
		for _, platform := range order {
			if remaining <= 0 {
				break
			}
			var bal float64
			err := tx.QueryRow(
				`SELECT balance FROM platform_wallets WHERE user_id = ? AND platform = ? LIMIT 1`,
				userID, platform,
			).Scan(&bal)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return delta, wrapBusy(err, "failed to read platform balance")
			}
			take := bal
			if take > remaining {
				take = remaining
			}
			if take <= 0 {
				continue
			}
			if err := creditPlatform(tx, userID, platform, -take); err != nil {
				return delta, err
			}
			remaining = RoundAmount(remaining - take)
		}
		if remaining > 0 {
			return delta, ErrInsufficientFunds
		}
	}

	total, err := syncTotalWallet(tx, userID)
	if err != nil {
		return delta, err
	}
	if err := writeLedger(tx, userID, amount, reason, preferredPlatform, guildID, channelID, ""); err != nil {
		return delta, err
	}
	delta.NewBalance = total
	return delta, nil
}

// ApplyBalanceDelta credits or debits an identity's wallet with an
// arbitrary reason (admin adjustments, shop purchases, game payouts).
func (s *Store) ApplyBalanceDelta(ctx context.Context, userID int64, amount float64, preferredPlatform, reason, guildID, channelID string) (*BalanceDelta, error) {
	if RoundAmount(amount) == 0 {
		return nil, ErrInvalidAmount
	}
	var delta BalanceDelta
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		var err error
		delta, err = applyDeltaTx(tx, userID, amount, preferredPlatform, reason, guildID, channelID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &delta, nil
}

// TransferResult reports both sides of a completed transfer.
type TransferResult struct {
	From BalanceDelta
	To   BalanceDelta
}

// Transfer moves an amount between two identities atomically. The debit
// side uses the combined-balance deduction; the credit lands on the
// recipient's wallet for the given platform.
func (s *Store) Transfer(ctx context.Context, fromUserID, toUserID int64, amount float64, platform, guildID, channelID string) (*TransferResult, error) {
	amount = RoundAmount(amount)
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result TransferResult
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		from := resolveActiveUserIDTx(tx, fromUserID)
		to := resolveActiveUserIDTx(tx, toUserID)
		if from == to {
			return ErrSelfTransfer
		}
		var err error
		result.From, err = applyDeltaTx(tx, from, -amount, platform, ReasonTransferOut, guildID, channelID)
		if err != nil {
			return err
		}
		result.To, err = applyDeltaTx(tx, to, amount, platform, ReasonTransferIn, guildID, channelID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TotalBalance returns the combined balance of an identity across all
// platforms, following the id-link map first.
func (s *Store) TotalBalance(ctx context.Context, userID int64) (float64, error) {
	userID = s.ResolveActiveUserID(ctx, userID)
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM platform_wallets WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, wrapBusy(err, "failed to read total balance")
	}
	return RoundAmount(total), nil
}

// PlatformBalances returns the per-platform breakdown for an identity.
func (s *Store) PlatformBalances(ctx context.Context, userID int64) (map[string]float64, error) {
	userID = s.ResolveActiveUserID(ctx, userID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, balance FROM platform_wallets WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, wrapBusy(err, "failed to read platform balances")
	}
	defer rows.Close()

	balances := make(map[string]float64)
	for rows.Next() {
		var platform string
		var balance float64
		if err := rows.Scan(&platform, &balance); err != nil {
			return nil, errors.Wrap(err, "failed to scan platform balance")
		}
		balances[platform] = RoundAmount(balance)
	}
	return balances, rows.Err()
}

// TopLeaderboard returns the identities with the highest combined balance.
func (s *Store) TopLeaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.user_id, u.username, COALESCE(SUM(pw.balance), 0) AS total
		 FROM users u
		 JOIN platform_wallets pw ON pw.user_id = u.user_id
		 WHERE u.user_id NOT IN (SELECT inactive_user_id FROM user_id_links WHERE is_active = 1)
		 GROUP BY u.user_id
		 HAVING total > 0
		 ORDER BY total DESC, u.user_id ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, wrapBusy(err, "failed to query leaderboard")
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.Balance); err != nil {
			return nil, errors.Wrap(err, "failed to scan leaderboard row")
		}
		e.Balance = RoundAmount(e.Balance)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UserTransactions returns the most recent ledger entries for an identity,
// newest first.
func (s *Store) UserTransactions(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	userID = s.ResolveActiveUserID(ctx, userID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, reason, platform, guild_id, channel_id, source_id, created_at
		 FROM wallet_ledger WHERE user_id = ?
		 ORDER BY id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, wrapBusy(err, "failed to query ledger")
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.Platform, &e.GuildID, &e.ChannelID, &e.SourceID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger row")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BalanceByAnyRef resolves a balance from a loose reference: a Discord id,
// a YouTube channel id, or a raw user id, in that order.
func (s *Store) BalanceByAnyRef(ctx context.Context, ref string) (int64, float64, error) {
	if prof, err := s.DiscordProfileByID(ctx, ref); err == nil {
		active := s.ResolveActiveUserID(ctx, prof.UserID)
		total, err := s.TotalBalance(ctx, active)
		return active, total, err
	}
	if prof, err := s.YouTubeProfileByChannelID(ctx, ref); err == nil {
		active := s.ResolveActiveUserID(ctx, prof.UserID)
		total, err := s.TotalBalance(ctx, active)
		return active, total, err
	}
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE username = ? OR CAST(user_id AS TEXT) = ? LIMIT 1`,
		ref, ref,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrUnknownUser
	}
	if err != nil {
		return 0, 0, wrapBusy(err, "failed to resolve reference")
	}
	active := s.ResolveActiveUserID(ctx, userID)
	total, err := s.TotalBalance(ctx, active)
	return active, total, err
}
