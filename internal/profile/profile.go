package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration shared by the supervisor and every worker
// process it spawns. Workers receive it rebuilt from the same environment,
// so a field added here is visible on both sides of the fork.
type Profile struct {
	Mode string // "prod" or "dev"
	Data string // data root; holds powerbot.db and all per-service state

	// Web worker
	WebHost      string
	WebPort      int
	WebIndexFile string
	// StaticMounts maps URL prefixes to directories, parsed from
	// WEB_STATIC_MOUNTS ("/url=dir;/url=dir").
	StaticMounts map[string]string

	// WebSocket hub worker
	WsocketHost string
	WsocketPort int

	// Backup worker
	BackupDB           MySQLConfig
	BackupPollSeconds  int
	HealthcheckSeconds int
	HealthcheckVerbose bool

	Version string
}

// MySQLConfig carries the remote mirror connection settings.
type MySQLConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	ConnectTimeout int // seconds
}

// DSN renders the config as a go-sql-driver DSN.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%ds&charset=utf8mb4",
		c.User, c.Password, c.Host, c.Port, c.Database, c.ConnectTimeout)
}

// Configured reports whether a target database name is set. The mirror is
// optional; without a database the backup worker only snapshots locally.
func (c MySQLConfig) Configured() bool {
	return c.Database != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// firstEnv returns the first non-empty value among the given variables.
// Backup settings historically accept BACKUP_DB_*, MYSQL_* and DB_* names.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

// parseHostPort splits a "host:port" value; an explicit port variable wins.
func parseHostPort(hostValue, portValue string) (string, int) {
	host := strings.TrimSpace(hostValue)
	if host != "" && strings.Contains(host, ":") {
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			if portValue == "" {
				portValue = host[idx+1:]
			}
			host = host[:idx]
		}
	}
	port := 3306
	if portValue != "" {
		if p, err := strconv.Atoi(strings.TrimSpace(portValue)); err == nil {
			port = p
		}
	}
	return host, port
}

// ParseStaticMounts parses the WEB_STATIC_MOUNTS format "/url=dir;/url=dir".
// Malformed entries are skipped.
func ParseStaticMounts(raw string) map[string]string {
	mounts := map[string]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		url := strings.TrimSpace(parts[0])
		dir := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(url, "/") || dir == "" {
			continue
		}
		mounts[url] = dir
	}
	return mounts
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.WebHost = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	p.WebPort = getEnvOrDefaultInt("WEB_PORT", 19131)
	p.WebIndexFile = getEnvOrDefault("WEB_INDEX_FILE", "index.html")
	p.StaticMounts = ParseStaticMounts(os.Getenv("WEB_STATIC_MOUNTS"))

	p.WsocketHost = getEnvOrDefault("WSOCKET_HOST", "127.0.0.1")
	p.WsocketPort = getEnvOrDefaultInt("WSOCKET_PORT", 8765)

	host, port := parseHostPort(
		firstEnv("BACKUP_DB_HOST", "MYSQL_HOST", "DB_HOST"),
		firstEnv("BACKUP_DB_PORT", "MYSQL_PORT", "DB_PORT"),
	)
	p.BackupDB = MySQLConfig{
		Host:           host,
		Port:           port,
		User:           firstEnv("BACKUP_DB_USER", "MYSQL_USER", "DB_USER"),
		Password:       firstEnv("BACKUP_DB_PASSWORD", "MYSQL_PASSWORD", "DB_PASSWORD"),
		Database:       firstEnv("BACKUP_DB_NAME", "MYSQL_DATABASE", "DB_NAME"),
		ConnectTimeout: getEnvOrDefaultInt("BACKUP_DB_TIMEOUT", 8),
	}

	p.BackupPollSeconds = getEnvOrDefaultInt("BACKUP_POLL_SECONDS", 60)
	if p.BackupPollSeconds < 10 {
		p.BackupPollSeconds = 10
	}
	p.HealthcheckSeconds = getEnvOrDefaultInt("BACKUP_HEALTHCHECK_SECONDS", 300)
	p.HealthcheckVerbose = getEnvOrDefault("BACKUP_HEALTHCHECK_VERBOSE", "false") == "true"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "unable to create data folder %s", dataDir)
	}
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and verifies the data directory is usable.
// An unwritable data root is fatal for the calling worker.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Data == "" {
		p.Data = "data"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir
	return nil
}

// DBPath is the location of the embedded database inside the data root.
func (p *Profile) DBPath() string {
	return filepath.Join(p.Data, "powerbot.db")
}

// ServiceDataDir returns (and creates) a per-service directory under the
// data root, e.g. "backup", "discord_bot", "youtube_bot".
func (p *Profile) ServiceDataDir(name string) string {
	dir := filepath.Join(p.Data, name)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// WebAddr is the listen address of the web worker.
func (p *Profile) WebAddr() string {
	return fmt.Sprintf("%s:%d", p.WebHost, p.WebPort)
}

// WsocketAddr is the listen address of the broadcast hub.
func (p *Profile) WsocketAddr() string {
	return fmt.Sprintf("%s:%d", p.WsocketHost, p.WsocketPort)
}
