package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "replica.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Quiet = true

	out, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	out.Logger("sync").Printf("bound to %s", "~/cars")
	out.Logger("server").Println("listening")
	if err := out.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for _, want := range []string{"[sync] ", "bound to ~/cars", "[server] listening"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
	}
}

func TestOpen_Writers(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want io.Writer
	}{
		{"stderr only", Config{}, os.Stderr},
		{"quiet without file", Config{Quiet: true}, io.Discard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Open(tt.cfg)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer out.Close()
			if out.Writer() != tt.want {
				t.Errorf("Writer() = %T, want %T", out.Writer(), tt.want)
			}
		})
	}
}
