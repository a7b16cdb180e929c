package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	body := `{
		"ENV": "test",
		"SIBOL_API_URL": "http://sibol.local/",
		"SIBOL_API_TIMEOUT_MS": 2500,
		"AUDIT_ENABLED": false,
		"CORS_ALLOWED_ORIGINS": ["http://a.test", "http://b.test"]
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("ENV", "")
	t.Setenv("SUBMIT_LOCK_TTL_SECONDS", "12")
	t.Setenv("SIBOL_SERVICE_TOKEN", " svc-token ")

	cfg, problems := Load("api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %#v", problems)
	}
	if cfg.Env != "test" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.SibolAPIURL != "http://sibol.local" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.SibolAPIURL)
	}
	if cfg.SibolAPITimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.SibolAPITimeout)
	}
	if cfg.SubmitLockTTLSec != 12 {
		t.Fatalf("expected env override, got %d", cfg.SubmitLockTTLSec)
	}
	if cfg.SibolServiceToken != "svc-token" {
		t.Fatalf("expected trimmed service token, got %q", cfg.SibolServiceToken)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %#v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadReportsProblems(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("ENV", "test")
	t.Setenv("SIBOL_API_URL", "")
	t.Setenv("SIBOL_API_TIMEOUT_MS", "soon")
	t.Setenv("OTEL_SAMPLE_RATIO", "3")

	cfg, problems := Load("api", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"CONFIG_PATH", "SIBOL_API_URL", "SIBOL_API_TIMEOUT_MS", "OTEL_SAMPLE_RATIO"} {
		if !fields[want] {
			t.Fatalf("expected problem for %s, got %#v", want, problems)
		}
	}
	if cfg.OtelSampleRatio != 1.0 {
		t.Fatalf("expected sample ratio reset, got %v", cfg.OtelSampleRatio)
	}
	if cfg.SibolAPITimeout != 15*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.SibolAPITimeout)
	}
}
