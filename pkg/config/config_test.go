package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "/opt/pm" {
		t.Fatalf("expected default prefix /opt/pm, got %q", cfg.Prefix)
	}
	if cfg.Concurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.Concurrency)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sps2.toml")
	if err := os.WriteFile(path, []byte("prefix = \"/custom/pm\"\nconcurrency = 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Overrides{ConfigPath: &path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "/custom/pm" || cfg.Concurrency != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sps2.toml")
	if err := os.WriteFile(path, []byte("prefix = \"/from/file\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPS2_PREFIX", "/from/env")

	cfg, err := Load(Overrides{ConfigPath: &path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "/from/env" {
		t.Fatalf("expected env to win over file, got %q", cfg.Prefix)
	}
}

func TestFlagOverridesEverything(t *testing.T) {
	t.Setenv("SPS2_PREFIX", "/from/env")
	flagPrefix := "/from/flag"

	cfg, err := Load(Overrides{Prefix: &flagPrefix})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "/from/flag" {
		t.Fatalf("expected flag to win over env, got %q", cfg.Prefix)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sps2.toml")
	if err := os.WriteFile(path, []byte("concurrency = -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Overrides{ConfigPath: &path}); err == nil {
		t.Fatal("expected validation error for negative concurrency")
	}
}

func TestPathsDeriveFromPrefix(t *testing.T) {
	cfg := Default()
	cfg.Prefix = "/opt/pm"
	p := cfg.Paths()

	if p.LiveLink() != "/opt/pm/live" {
		t.Fatalf("unexpected live link path: %q", p.LiveLink())
	}
	if p.StoreObjectsDir() != "/opt/pm/store/objects" {
		t.Fatalf("unexpected store objects path: %q", p.StoreObjectsDir())
	}
}

func TestParseRetainOlderThan(t *testing.T) {
	cases := map[string]time.Duration{
		"30d": 30 * 24 * time.Hour,
		"12h": 12 * time.Hour,
		"2w":  2 * 7 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseRetainOlderThan(in)
		if err != nil {
			t.Fatalf("ParseRetainOlderThan(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseRetainOlderThan(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseRetainOlderThanRejectsGarbage(t *testing.T) {
	if _, err := ParseRetainOlderThan("soon"); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestStoreDirOverride(t *testing.T) {
	cfg := Default()
	cfg.Prefix = "/opt/pm"
	cfg.StoreDirOverride = "/tmp/scratch-store"
	p := cfg.Paths()

	if p.StoreDir() != "/tmp/scratch-store" {
		t.Fatalf("expected override to win, got %q", p.StoreDir())
	}
	if p.StoreObjectsDir() != "/tmp/scratch-store/objects" {
		t.Fatalf("expected objects dir under override, got %q", p.StoreObjectsDir())
	}
}
