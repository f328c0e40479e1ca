package profile

import (
	"testing"
)

func TestParseStaticMounts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{
			name: "empty",
			raw:  "",
			want: map[string]string{},
		},
		{
			name: "single mount",
			raw:  "/static=web/static",
			want: map[string]string{"/static": "web/static"},
		},
		{
			name: "multiple mounts",
			raw:  "/static=web/static;/assets=web/assets",
			want: map[string]string{"/static": "web/static", "/assets": "web/assets"},
		},
		{
			name: "skips malformed entries",
			raw:  "/ok=dir;broken;=x;/no-dir=",
			want: map[string]string{"/ok": "dir"},
		},
		{
			name: "requires leading slash",
			raw:  "static=dir",
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStaticMounts(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d mounts, want %d", len(got), len(tt.want))
			}
			for url, dir := range tt.want {
				if got[url] != dir {
					t.Errorf("mount %q: got %q, want %q", url, got[url], dir)
				}
			}
		})
	}
}

func TestBackupEnvFallbacks(t *testing.T) {
	t.Setenv("BACKUP_DB_HOST", "")
	t.Setenv("MYSQL_HOST", "mirror.example.com:3307")
	t.Setenv("DB_HOST", "ignored")
	t.Setenv("BACKUP_DB_USER", "")
	t.Setenv("MYSQL_USER", "")
	t.Setenv("DB_USER", "powerbot")
	t.Setenv("BACKUP_DB_NAME", "powerbot_mirror")

	p := &Profile{}
	p.FromEnv()

	if p.BackupDB.Host != "mirror.example.com" {
		t.Errorf("host: got %q", p.BackupDB.Host)
	}
	if p.BackupDB.Port != 3307 {
		t.Errorf("port: got %d", p.BackupDB.Port)
	}
	if p.BackupDB.User != "powerbot" {
		t.Errorf("user: got %q", p.BackupDB.User)
	}
	if !p.BackupDB.Configured() {
		t.Error("expected mirror to be configured")
	}
}

func TestValidateDefaults(t *testing.T) {
	p := &Profile{Mode: "weird", Data: t.TempDir()}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Mode != "dev" {
		t.Errorf("mode: got %q, want dev", p.Mode)
	}
	if p.DBPath() == "" {
		t.Error("empty db path")
	}
}
