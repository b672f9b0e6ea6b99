package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MBOXSTREAM_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(tmpDir), cfg); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
	if got, want := cfg.ScratchDir(), filepath.Join(tmpDir, "temp_uploads"); got != want {
		t.Errorf("ScratchDir() = %q, want %q", got, want)
	}
	if cfg.DataDir() != tmpDir {
		t.Errorf("DataDir() = %q, want %q", cfg.DataDir(), tmpDir)
	}
}

func TestLoadHomeOverride(t *testing.T) {
	t.Setenv("MBOXSTREAM_HOME", t.TempDir())
	home := t.TempDir()
	writeConfig(t, home, "[workers]\nmax_parsers = 9\n")

	cfg, err := Load("", home)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Workers.MaxParsers != 9 {
		t.Errorf("Workers.MaxParsers = %d, want 9", cfg.Workers.MaxParsers)
	}
}

func TestLoadFullFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MBOXSTREAM_HOME", tmpDir)
	path := writeConfig(t, tmpDir, `
[server]
api_port = 9090
bind_addr = "0.0.0.0"
api_key = "test-secret-key"
cors_origins = ["http://localhost:3000"]
max_chunk_bytes = 1048576

[uploads]
scratch_dir = "/var/tmp/mbox"
retention = "90m"
sweep_schedule = "*/5 * * * *"
allowed_extensions = [".mbox", ".mbx"]

[parser]
lookback_bytes = 4096
max_message_bytes = 2048
excerpt_length = 120

[workers]
max_parsers = 2

[records]
backend = "sqlite"
max_per_session = 1000

[remote]
url = "https://nas:8080"
api_key = "remote-key"
chunk_size = 65536
`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default(tmpDir)
	want.Server.APIPort = 9090
	want.Server.BindAddr = "0.0.0.0"
	want.Server.APIKey = "test-secret-key"
	want.Server.CORSOrigins = []string{"http://localhost:3000"}
	want.Server.MaxChunkBytes = 1 << 20
	want.Uploads = UploadsConfig{
		ScratchDir:        "/var/tmp/mbox",
		Retention:         Duration{90 * time.Minute},
		SweepSchedule:     "*/5 * * * *",
		AllowedExtensions: []string{".mbox", ".mbx"},
	}
	want.Parser = ParserConfig{LookbackBytes: 4096, MaxMessageBytes: 2048, ExcerptLength: 120}
	want.Workers.MaxParsers = 2
	want.Records = RecordsConfig{Backend: BackendSQLite, MaxPerSession: 1000}
	want.Remote = RemoteConfig{URL: "https://nas:8080", APIKey: "remote-key", ChunkSize: 65536}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if cfg.ScratchDir() != "/var/tmp/mbox" {
		t.Errorf("ScratchDir() = %q", cfg.ScratchDir())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad toml", "[server\n", "decode config"},
		{"bad duration", "[uploads]\nretention = \"soon\"\n", "invalid duration"},
		{"unknown key", "[server]\nport = 1\n", "unknown config keys: server.port"},
		{"bad backend", "[records]\nbackend = \"redis\"\n", `records.backend "redis"`},
		{"zero parsers", "[workers]\nmax_parsers = 0\n", "max_parsers"},
		{"negative retention", "[uploads]\nretention = \"-1h\"\n", "retention must be positive"},
		{"extension without dot", "[uploads]\nallowed_extensions = [\"mbox\"]\n", "must start with a dot"},
		{"zero remote chunk", "[remote]\nchunk_size = 0\n", "remote.chunk_size"},
		{"several problems", "[parser]\nexcerpt_length = 0\n[records]\nmax_per_session = -1\n", "excerpt_length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.content)
			_, err := Load(path, dir)
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "nope.toml"), dir); err == nil {
		t.Error("Load() of missing explicit file = nil error")
	}
}

func TestValidateSecure(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"loopback without key", ServerConfig{BindAddr: "127.0.0.1"}, false},
		{"ipv6 loopback", ServerConfig{BindAddr: "::1"}, false},
		{"localhost", ServerConfig{BindAddr: "localhost"}, false},
		{"empty addr", ServerConfig{}, false},
		{"public without key", ServerConfig{BindAddr: "0.0.0.0"}, true},
		{"public with key", ServerConfig{BindAddr: "0.0.0.0", APIKey: "k"}, false},
		{"public allowed insecure", ServerConfig{BindAddr: "0.0.0.0", AllowInsecure: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateSecure(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecure() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct{ in, want string }{
		{"", ""},
		{"~", home},
		{"~/uploads", filepath.Join(home, "uploads")},
		{"~other/x", "~other/x"},
		{"/abs/path", "/abs/path"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
