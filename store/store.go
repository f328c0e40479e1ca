// Package store provides the embedded database layer shared by the
// supervisor and every worker: identities, platform profiles, the link
// registry and the economy ledger. All multi-statement mutations run inside
// an immediate write transaction so that concurrent processes sharing the
// database file never observe partial effects.
package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/powerbot/powerbot/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	db      *sql.DB
	profile *profile.Profile
}

// Open opens the embedded database at the profile's data root.
//
// Connection settings follow the same reasoning as for any single-writer
// SQLite deployment: WAL journal mode, a generous busy timeout (the
// supervisor and the chat-bot worker both open this file), and a single
// pooled connection per process.
func Open(p *profile.Profile) (*Store, error) {
	dsn := p.DBPath() + "?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db at %s", p.DBPath())
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &Store{db: db, profile: p}, nil
}

// GetDB exposes the raw handle for components that read whole tables,
// such as the replication engine.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a write transaction pinned to a single connection. It exists so
// that BEGIN IMMEDIATE can take the database write lock up front; a
// conflicting writer then fails fast with SQLITE_BUSY instead of deadlocking
// at commit time.
type Tx struct {
	ctx  context.Context
	conn *sql.Conn
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(t.ctx, query, args...)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(t.ctx, query, args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(t.ctx, query, args...)
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction. Any error
// from fn rolls the whole transaction back; there are no partial effects.
// Busy conflicts bubble up as ErrStorageBusy and are not retried here.
func (s *Store) withImmediateTx(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return wrapBusy(err, "failed to begin immediate transaction")
	}

	if err := fn(&Tx{ctx: ctx, conn: conn}); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return wrapBusy(err, "failed to commit transaction")
	}
	return nil
}

// Migrate creates every table the store owns. Migrations are additive only:
// tables missing from older installs are created, existing ones are left
// untouched.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS discord_profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		discord_id TEXT NOT NULL UNIQUE,
		discord_username TEXT,
		avatar_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS youtube_profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		youtube_channel_id TEXT NOT NULL UNIQUE,
		youtube_username TEXT,
		channel_avatar_url TEXT,
		user_type TEXT NOT NULL DEFAULT 'regular',
		subscribers INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE,
		balance REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS platform_wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		platform TEXT NOT NULL,
		balance REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
		UNIQUE(user_id, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		amount REAL NOT NULL,
		reason TEXT NOT NULL,
		platform TEXT,
		guild_id TEXT,
		channel_id TEXT,
		source_id TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS earning_cooldown (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		guild_id TEXT NOT NULL,
		last_earned_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
		UNIQUE(user_id, guild_id)
	)`,
	`CREATE TABLE IF NOT EXISTS earning_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		source_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
		UNIQUE(platform, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS link_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		discord_user_id TEXT NOT NULL,
		discord_user_name TEXT,
		discord_owner_user_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		consumed_at TEXT,
		consumed_by_youtube_channel_id TEXT,
		FOREIGN KEY (discord_owner_user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS user_id_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		primary_user_id INTEGER NOT NULL,
		inactive_user_id INTEGER NOT NULL UNIQUE,
		link_reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (primary_user_id) REFERENCES users(user_id) ON DELETE CASCADE,
		FOREIGN KEY (inactive_user_id) REFERENCES users(user_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS linked_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_user_id TEXT NOT NULL,
		provider_username_snapshot TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		linked_at TEXT NOT NULL,
		unlinked_at TEXT,
		FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
		UNIQUE(provider, provider_user_id, is_active)
	)`,
	`CREATE TABLE IF NOT EXISTS user_inventory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		item_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		acquired_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_link_tokens_discord_user_id ON link_tokens(discord_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_linked_accounts_user_id ON linked_accounts(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_ledger_user_id ON wallet_ledger(user_id)`,
}

// Platforms supported by the economy.
const (
	PlatformDiscord = "discord"
	PlatformYouTube = "youtube"
)

// SupportedPlatforms is the deduction order tail: a debit takes from the
// preferred platform first, then from the remaining ones in this order.
var SupportedPlatforms = []string{PlatformDiscord, PlatformYouTube}

// RoundAmount normalizes a money amount to two decimals, rounding half to
// even. Every write path applies it before touching a wallet.
func RoundAmount(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

const timeLayout = time.RFC3339Nano

func nowISO() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseISO(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}
