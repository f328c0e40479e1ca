// Package backup implements the replication engine: local snapshot files
// of the embedded database, a full table mirror into a remote MySQL
// server, retention over the snapshot manifest, and the autosave and
// health-ping loops that drive it all.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/internal/profile"
)

// MetaTable receives one row per completed mirror run.
const MetaTable = "powerbot_backup_metadata"

const insertBatchSize = 500

// Mirror replicates the local SQLite database into a remote MySQL schema
// using a replace strategy: recreate-if-needed, DELETE, batched INSERT.
type Mirror struct {
	local  *sql.DB
	remote *sql.DB
	logger *slog.Logger
}

// OpenMirror connects to the configured remote. The connection is verified
// with a ping so a bad DSN fails here and not mid-mirror.
func OpenMirror(ctx context.Context, local *sql.DB, cfg profile.MySQLConfig, logger *slog.Logger) (*Mirror, error) {
	if !cfg.Configured() {
		return nil, errors.New("mirror database is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	remote, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mirror connection")
	}
	remote.SetMaxOpenConns(2)
	remote.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()
	if err := remote.PingContext(pingCtx); err != nil {
		_ = remote.Close()
		return nil, errors.Wrap(err, "mirror ping failed")
	}
	return &Mirror{local: local, remote: remote, logger: logger.With("component", "mirror")}, nil
}

func (m *Mirror) Close() error {
	return m.remote.Close()
}

// Ping is the health probe used by the slow loop.
func (m *Mirror) Ping(ctx context.Context) error {
	var one int
	return errors.Wrap(m.remote.QueryRowContext(ctx, "SELECT 1").Scan(&one), "mirror health ping failed")
}

// column is one local column as reported by table_info.
type column struct {
	Name    string
	Type    string
	NotNull bool
	PK      int
}

// coerceType maps a SQLite declared type onto the closest MySQL type.
func coerceType(sqliteType string) string {
	t := strings.ToUpper(sqliteType)
	switch {
	case strings.Contains(t, "INT"):
		return "BIGINT"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"),
		strings.Contains(t, "DOUB"), strings.Contains(t, "NUMERIC"),
		strings.Contains(t, "DECIMAL"):
		return "DOUBLE"
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return "DATETIME"
	case strings.Contains(t, "BLOB"):
		return "LONGBLOB"
	default:
		return "LONGTEXT"
	}
}

func (m *Mirror) localTables(ctx context.Context) ([]string, error) {
	rows, err := m.local.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list local tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (m *Mirror) tableColumns(ctx context.Context, table string) ([]column, error) {
	rows, err := m.local.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schema of %s", table)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var (
			cid     int
			c       column
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &c.PK); err != nil {
			return nil, errors.Wrap(err, "failed to scan column")
		}
		c.NotNull = notNull != 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// createRemoteTable renders and applies the coerced DDL. Single integer
// primary keys keep auto-increment so restored rows continue the sequence.
func (m *Mirror) createRemoteTable(ctx context.Context, table string, cols []column) error {
	var pkCols []string
	for _, c := range cols {
		if c.PK > 0 {
			pkCols = append(pkCols, c.Name)
		}
	}
	singleIntPK := len(pkCols) == 1 && strings.Contains(strings.ToUpper(colByName(cols, pkCols[0]).Type), "INT")

	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		def := fmt.Sprintf("`%s` %s", c.Name, coerceType(c.Type))
		if c.NotNull || c.PK > 0 {
			def += " NOT NULL"
		}
		if singleIntPK && c.Name == pkCols[0] {
			def += " AUTO_INCREMENT"
		}
		defs = append(defs, def)
	}
	if len(pkCols) > 0 {
		quoted := make([]string, len(pkCols))
		for i, name := range pkCols {
			quoted[i] = "`" + name + "`"
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (%s)", table, strings.Join(defs, ", "))
	_, err := m.remote.ExecContext(ctx, ddl)
	return errors.Wrapf(err, "failed to create remote table %s", table)
}

func colByName(cols []column, name string) column {
	for _, c := range cols {
		if c.Name == name {
			return c
		}
	}
	return column{}
}

// mirrorTable replaces the remote table contents with the local ones.
func (m *Mirror) mirrorTable(ctx context.Context, table string, cols []column) (int, error) {
	if err := m.createRemoteTable(ctx, table, cols); err != nil {
		return 0, err
	}
	if _, err := m.remote.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`", table)); err != nil {
		return 0, errors.Wrapf(err, "failed to clear remote table %s", table)
	}

	names := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		quoted[i] = "`" + c.Name + "`"
	}
	rows, err := m.local.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %q", strings.Join(quoteSQLite(names), ", "), table))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read local table %s", table)
	}
	defer rows.Close()

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	insertPrefix := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES ", table, strings.Join(quoted, ", "))

	var (
		batch []any
		count int
		total int
	)
	flush := func() error {
		if count == 0 {
			return nil
		}
		stmt := insertPrefix + strings.TrimSuffix(strings.Repeat(placeholder+",", count), ",")
		if _, err := m.remote.ExecContext(ctx, stmt, batch...); err != nil {
			return errors.Wrapf(err, "failed to insert into remote table %s", table)
		}
		total += count
		batch = batch[:0]
		count = 0
		return nil
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return total, errors.Wrapf(err, "failed to scan row of %s", table)
		}
		batch = append(batch, values...)
		count++
		if count >= insertBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, errors.Wrapf(err, "failed to iterate %s", table)
	}
	return total, flush()
}

func quoteSQLite(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = `"` + n + `"`
	}
	return out
}

// dropOrphans removes remote tables that no longer exist locally. The meta
// table is always kept.
func (m *Mirror) dropOrphans(ctx context.Context, localTables []string) error {
	keep := make(map[string]bool, len(localTables)+1)
	for _, t := range localTables {
		keep[t] = true
	}
	keep[MetaTable] = true

	rows, err := m.remote.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return errors.Wrap(err, "failed to list remote tables")
	}
	defer rows.Close()

	var orphans []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrap(err, "failed to scan remote table name")
		}
		if !keep[name] {
			orphans = append(orphans, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range orphans {
		if _, err := m.remote.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", name)); err != nil {
			// Cleanup failures are non-fatal.
			m.logger.Warn("failed to drop orphan table", "table", name, "error", err)
			continue
		}
		m.logger.Info("dropped orphan remote table", "table", name)
	}
	return nil
}

func (m *Mirror) writeMeta(ctx context.Context, tag string, tables, rowCount int) error {
	_, err := m.remote.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT NOT NULL AUTO_INCREMENT,
			tag LONGTEXT NOT NULL,
			tables_mirrored BIGINT NOT NULL,
			rows_mirrored BIGINT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (id)
		)`, MetaTable))
	if err != nil {
		return errors.Wrap(err, "failed to ensure meta table")
	}
	_, err = m.remote.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (tag, tables_mirrored, rows_mirrored, created_at) VALUES (?, ?, ?, ?)", MetaTable),
		tag, tables, rowCount, time.Now().UTC().Format("2006-01-02 15:04:05"))
	return errors.Wrap(err, "failed to write meta row")
}

// MirrorAll mirrors every local table, drops remote orphans, and records a
// metadata row tagged with the snapshot stem.
func (m *Mirror) MirrorAll(ctx context.Context, tag string) error {
	tables, err := m.localTables(ctx)
	if err != nil {
		return err
	}

	totalRows := 0
	for _, table := range tables {
		cols, err := m.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		n, err := m.mirrorTable(ctx, table, cols)
		if err != nil {
			return err
		}
		totalRows += n
		m.logger.Debug("mirrored table", "table", table, "rows", n)
	}

	if err := m.dropOrphans(ctx, tables); err != nil {
		m.logger.Warn("orphan cleanup failed", "error", err)
	}
	if err := m.writeMeta(ctx, tag, len(tables), totalRows); err != nil {
		return err
	}
	m.logger.Info("mirror complete", "tag", tag, "tables", len(tables), "rows", totalRows)
	return nil
}

// ReverseSync pulls every mirrored table's rows back into the local
// database, replacing local contents. Used to seed a fresh install from
// the remote copy; local tables must already exist (Migrate runs first).
func (m *Mirror) ReverseSync(ctx context.Context) error {
	tables, err := m.localTables(ctx)
	if err != nil {
		return err
	}

	for _, table := range tables {
		cols, err := m.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		if err := m.reverseTable(ctx, table, cols); err != nil {
			return err
		}
	}
	m.logger.Info("reverse sync complete", "tables", len(tables))
	return nil
}

func (m *Mirror) reverseTable(ctx context.Context, table string, cols []column) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = "`" + c.Name + "`"
	}
	rows, err := m.remote.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM `%s`", strings.Join(names, ", "), table))
	if err != nil {
		// A table missing remotely just keeps its local contents.
		m.logger.Warn("remote table unreadable, keeping local rows", "table", table, "error", err)
		return nil
	}
	defer rows.Close()

	tx, err := m.local.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin local transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", table)); err != nil {
		return errors.Wrapf(err, "failed to clear local table %s", table)
	}

	localCols := make([]string, len(cols))
	for i, c := range cols {
		localCols[i] = `"` + c.Name + `"`
	}
	stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(localCols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Wrapf(err, "failed to scan remote row of %s", table)
		}
		if _, err := tx.ExecContext(ctx, stmt, values...); err != nil {
			return errors.Wrapf(err, "failed to insert local row into %s", table)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "failed to iterate remote %s", table)
	}
	return errors.Wrap(tx.Commit(), "failed to commit reverse sync")
}

// CleanRemote drops every table in the remote schema, including the meta
// table. Destructive; only reachable through an explicit console command.
func (m *Mirror) CleanRemote(ctx context.Context) error {
	rows, err := m.remote.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return errors.Wrap(err, "failed to list remote tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrap(err, "failed to scan remote table name")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range tables {
		if _, err := m.remote.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", name)); err != nil {
			return errors.Wrapf(err, "failed to drop remote table %s", name)
		}
	}
	m.logger.Info("remote schema cleaned", "tables", len(tables))
	return nil
}
