package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Identity is the canonical user entity. One identity may own a profile on
// each supported platform; merged-away identities stay in the table for
// audit but no longer own profiles.
type Identity struct {
	UserID    int64
	Username  string
	CreatedAt string
	UpdatedAt string
}

// DiscordProfile is the Discord-side platform profile snapshot.
type DiscordProfile struct {
	ID        int64
	UserID    int64
	DiscordID string
	Username  string
	AvatarURL sql.NullString
}

// YouTubeProfile is the YouTube-side platform profile snapshot.
type YouTubeProfile struct {
	ID          int64
	UserID      int64
	ChannelID   string
	Username    string
	AvatarURL   sql.NullString
	UserType    string
	Subscribers int64
}

// GetOrCreateDiscordUser resolves the identity owning a Discord external id,
// creating both the identity and the profile atomically when first seen.
func (s *Store) GetOrCreateDiscordUser(ctx context.Context, discordID, username string, avatarURL *string) (*Identity, *DiscordProfile, bool, error) {
	var (
		identity Identity
		prof     DiscordProfile
		isNew    bool
	)
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		var err error
		prof, isNew, err = getOrCreateDiscordProfile(tx, discordID, username, avatarURL)
		if err != nil {
			return err
		}
		return loadIdentity(tx, prof.UserID, &identity)
	})
	if err != nil {
		return nil, nil, false, err
	}
	return &identity, &prof, isNew, nil
}

// getOrCreateDiscordProfile is shared with the link-code issue path, which
// resolves the owner inside its own transaction.
func getOrCreateDiscordProfile(tx *Tx, discordID, username string, avatarURL *string) (DiscordProfile, bool, error) {
	now := nowISO()
	var prof DiscordProfile
	err := tx.QueryRow(
		`SELECT id, user_id, discord_id, COALESCE(discord_username, ''), avatar_url
		 FROM discord_profile WHERE discord_id = ? LIMIT 1`, discordID,
	).Scan(&prof.ID, &prof.UserID, &prof.DiscordID, &prof.Username, &prof.AvatarURL)
	if err == nil {
		// Refresh snapshot fields on every sighting.
		if _, err := tx.Exec(
			`UPDATE discord_profile SET discord_username = ?, avatar_url = COALESCE(?, avatar_url), updated_at = ? WHERE id = ?`,
			username, avatarURL, now, prof.ID,
		); err != nil {
			return prof, false, wrapBusy(err, "failed to refresh discord profile")
		}
		prof.Username = username
		return prof, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return prof, false, wrapBusy(err, "failed to query discord profile")
	}

	res, err := tx.Exec(
		`INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)`,
		username, now, now,
	)
	if err != nil {
		return prof, false, wrapBusy(err, "failed to create identity")
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return prof, false, errors.Wrap(err, "failed to read new user id")
	}

	res, err = tx.Exec(
		`INSERT INTO discord_profile (user_id, discord_id, discord_username, avatar_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, discordID, username, avatarURL, now, now,
	)
	if err != nil {
		return prof, false, wrapBusy(err, "failed to create discord profile")
	}
	profID, _ := res.LastInsertId()
	return DiscordProfile{ID: profID, UserID: userID, DiscordID: discordID, Username: username}, true, nil
}

// GetOrCreateYouTubeUser is the YouTube counterpart of GetOrCreateDiscordUser.
func (s *Store) GetOrCreateYouTubeUser(ctx context.Context, channelID, username string, avatarURL *string) (*Identity, *YouTubeProfile, bool, error) {
	var (
		identity Identity
		prof     YouTubeProfile
		isNew    bool
	)
	err := s.withImmediateTx(ctx, func(tx *Tx) error {
		var err error
		prof, isNew, err = getOrCreateYouTubeProfile(tx, channelID, username, avatarURL)
		if err != nil {
			return err
		}
		return loadIdentity(tx, prof.UserID, &identity)
	})
	if err != nil {
		return nil, nil, false, err
	}
	return &identity, &prof, isNew, nil
}

// getOrCreateYouTubeProfile is shared with the link-code consume path,
// which resolves the profile inside its own transaction.
func getOrCreateYouTubeProfile(tx *Tx, channelID, username string, avatarURL *string) (YouTubeProfile, bool, error) {
	now := nowISO()
	var prof YouTubeProfile
	err := tx.QueryRow(
		`SELECT id, user_id, youtube_channel_id, COALESCE(youtube_username, ''), channel_avatar_url, user_type, subscribers
		 FROM youtube_profile WHERE youtube_channel_id = ? LIMIT 1`, channelID,
	).Scan(&prof.ID, &prof.UserID, &prof.ChannelID, &prof.Username, &prof.AvatarURL, &prof.UserType, &prof.Subscribers)
	if err == nil {
		if _, err := tx.Exec(
			`UPDATE youtube_profile SET youtube_username = ?, channel_avatar_url = COALESCE(?, channel_avatar_url), updated_at = ?
			 WHERE youtube_channel_id = ?`,
			username, avatarURL, now, channelID,
		); err != nil {
			return prof, false, wrapBusy(err, "failed to refresh youtube profile")
		}
		prof.Username = username
		return prof, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return prof, false, wrapBusy(err, "failed to query youtube profile")
	}

	displayName := username
	if displayName == "" {
		displayName = channelID
	}
	res, err := tx.Exec(
		`INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)`,
		displayName, now, now,
	)
	if err != nil {
		return prof, false, wrapBusy(err, "failed to create identity")
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return prof, false, errors.Wrap(err, "failed to read new user id")
	}

	res, err = tx.Exec(
		`INSERT INTO youtube_profile (user_id, youtube_channel_id, youtube_username, channel_avatar_url, user_type, subscribers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'regular', 0, ?, ?)`,
		userID, channelID, displayName, avatarURL, now, now,
	)
	if err != nil {
		return prof, false, wrapBusy(err, "failed to create youtube profile")
	}
	profID, _ := res.LastInsertId()
	return YouTubeProfile{ID: profID, UserID: userID, ChannelID: channelID, Username: displayName, UserType: "regular"}, true, nil
}

func loadIdentity(tx *Tx, userID int64, out *Identity) error {
	err := tx.QueryRow(
		`SELECT user_id, username, created_at, updated_at FROM users WHERE user_id = ? LIMIT 1`, userID,
	).Scan(&out.UserID, &out.Username, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownUser
	}
	return wrapBusy(err, "failed to load identity")
}

// DiscordProfileByID returns the profile for a Discord external id.
func (s *Store) DiscordProfileByID(ctx context.Context, discordID string) (*DiscordProfile, error) {
	var prof DiscordProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, discord_id, COALESCE(discord_username, ''), avatar_url
		 FROM discord_profile WHERE discord_id = ? LIMIT 1`, discordID,
	).Scan(&prof.ID, &prof.UserID, &prof.DiscordID, &prof.Username, &prof.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBusy(err, "failed to query discord profile")
	}
	return &prof, nil
}

// DiscordProfileByUserID returns the Discord profile owned by an identity.
func (s *Store) DiscordProfileByUserID(ctx context.Context, userID int64) (*DiscordProfile, error) {
	var prof DiscordProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, discord_id, COALESCE(discord_username, ''), avatar_url
		 FROM discord_profile WHERE user_id = ? LIMIT 1`, userID,
	).Scan(&prof.ID, &prof.UserID, &prof.DiscordID, &prof.Username, &prof.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBusy(err, "failed to query discord profile")
	}
	return &prof, nil
}

// YouTubeProfileByChannelID returns the profile for a YouTube channel id.
func (s *Store) YouTubeProfileByChannelID(ctx context.Context, channelID string) (*YouTubeProfile, error) {
	var prof YouTubeProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, youtube_channel_id, COALESCE(youtube_username, ''), channel_avatar_url, user_type, subscribers
		 FROM youtube_profile WHERE youtube_channel_id = ? LIMIT 1`, channelID,
	).Scan(&prof.ID, &prof.UserID, &prof.ChannelID, &prof.Username, &prof.AvatarURL, &prof.UserType, &prof.Subscribers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBusy(err, "failed to query youtube profile")
	}
	return &prof, nil
}
