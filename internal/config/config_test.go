package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, ".mog.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MOG_DATABASE", "DATABASE_URL", "MOG_PROFILE", "MOG_STORAGE", "MOG_FORBID_DIRTY", "MOG_S3_ENDPOINT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, path, err := Load(LoadOptions{SearchDirs: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != "" {
		t.Fatalf("unexpected config path %q", path)
	}
	if cfg.ExecutionIDEnv != DefaultExecutionEnv || cfg.LogLevel != "info" || cfg.S3.Region != "us-east-1" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if _, err := cfg.RequireDatabase(); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestFileEnvAndFlagPriority(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, `
database: sqlite:///from/file.db
storage: /usr/bin/upload
forbid_dirty: true
s3:
  endpoint: file:9000
`)
	cfg, path, err := Load(LoadOptions{SearchDirs: []string{dir}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != filepath.Join(dir, ".mog.yaml") {
		t.Fatalf("path = %q", path)
	}
	if cfg.Database != "sqlite:///from/file.db" || !cfg.ForbidDirty || cfg.S3.Endpoint != "file:9000" {
		t.Fatalf("file values = %+v", cfg)
	}

	t.Setenv("MOG_STORAGE", "/opt/env-upload")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	cfg, _, err = Load(LoadOptions{SearchDirs: []string{dir}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != "/opt/env-upload" || cfg.Database != "postgres://env/db" {
		t.Fatalf("env values = %+v", cfg)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	fs.Bool("forbid-dirty", false, "")
	if err := fs.Parse([]string{"--db", "sqlite::memory:"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, _, err = Load(LoadOptions{
		SearchDirs: []string{dir},
		Flags: map[string]*pflag.Flag{
			"database":     fs.Lookup("db"),
			"forbid_dirty": fs.Lookup("forbid-dirty"),
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database != "sqlite::memory:" {
		t.Fatalf("flag did not win: %q", cfg.Database)
	}
	if !cfg.ForbidDirty {
		t.Fatalf("unchanged flag overrode the file value")
	}
}

func TestProfiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	p := writeConfig(t, dir, `
database: sqlite:///default.db
storage: /usr/bin/upload
profiles:
  prod:
    database: postgres://prod/mlmd
    forbid_dirty: true
`)
	cfg, _, err := Load(LoadOptions{ConfigFile: p, Profile: "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database != "postgres://prod/mlmd" || !cfg.ForbidDirty {
		t.Fatalf("profile not applied: %+v", cfg)
	}
	if cfg.Storage != "/usr/bin/upload" {
		t.Fatalf("top-level value lost: %+v", cfg)
	}

	t.Setenv("MOG_PROFILE", "prod")
	cfg, _, err = Load(LoadOptions{ConfigFile: p})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database != "postgres://prod/mlmd" {
		t.Fatalf("MOG_PROFILE not applied: %+v", cfg)
	}

	_, _, err = Load(LoadOptions{ConfigFile: p, Profile: "staging"})
	if err == nil || !strings.Contains(err.Error(), "prod") {
		t.Fatalf("expected unknown profile error listing prod, got %v", err)
	}
}

func TestMissingExplicitConfigFile(t *testing.T) {
	clearEnv(t)
	if _, _, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	ok := Default()
	if err := ok.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"bad env name":   func(c *Config) { c.ExecutionIDEnv = "1BAD-NAME" },
		"env clash":      func(c *Config) { c.ExecutionIDEnv = ContextIDEnv },
		"s3 no endpoint": func(c *Config) { c.Storage = "s3://bucket" },
		"s3 with scheme": func(c *Config) { c.Storage = "s3://bucket"; c.S3.Endpoint = "https://minio:9000" },
		"slack not http": func(c *Config) { c.SlackURL = "hooks.slack.com/x" },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestApplyProfileIsShallow(t *testing.T) {
	settings := map[string]any{
		"s3": map[string]any{"endpoint": "a:1", "region": "eu"},
		"profiles": map[string]any{
			"x": map[string]any{"s3": map[string]any{"endpoint": "b:2"}},
		},
	}
	got, err := applyProfile(settings, "x")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	s3 := got["s3"].(map[string]any)
	if s3["endpoint"] != "b:2" {
		t.Fatalf("s3 = %v", s3)
	}
	if _, ok := s3["region"]; ok {
		t.Fatalf("profile merge should replace top-level keys wholesale")
	}
	// The input is not mutated.
	if settings["s3"].(map[string]any)["endpoint"] != "a:1" {
		t.Fatalf("input mutated")
	}
}
