package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

// chdir switches to a fresh directory for the test so no stray replica.toml
// is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.TokenTTLDuration() != 24*time.Hour {
		t.Errorf("TokenTTLDuration = %v", cfg.Server.TokenTTLDuration())
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, FileName)

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, false); !errors.Is(err, ErrExists) {
		t.Errorf("second WriteDefault error = %v, want ErrExists", err)
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault failed: %v", err)
	}

	// Found in the working directory without an explicit path.
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.File == "" {
		t.Error("File not recorded")
	}
	cfg.File = ""
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("written defaults do not load back (-want +got):\n%s", diff)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.toml")
	content := `
[server]
port = 9000
token_ttl = "1h"

[client]
path = "~/fleet"
username = "file-user"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("REPLICA_CLIENT_USERNAME", "env-user")
	t.Setenv("REPLICA_SERVER_BATCH_SIZE", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("path", "", "")
	flags.Int("port", 0, "")
	if err := flags.Parse([]string{"--path", "~/flag"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file over default", cfg.Server.Port, 9000},
		{"file ttl", cfg.Server.TokenTTLDuration(), time.Hour},
		{"env over file", cfg.Client.Username, "env-user"},
		{"env over default", cfg.Server.BatchSize, 7},
		{"flag over file", cfg.Client.Path, "~/flag"},
		{"default kept", cfg.Client.Directory, ".replica"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := chdir(t)
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "[server]\nport = 70000\n"},
		{"bad ttl", "[server]\ntoken_ttl = \"soon\"\n"},
		{"empty path", "[client]\npath = \"\"\n"},
		{"not toml", "[server\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad"+string(rune('a'+i))+".toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := Load(path, nil); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.toml"), nil); err == nil {
		t.Error("expected an error for an explicit missing file")
	}
}
