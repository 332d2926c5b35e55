package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DB_TYPE", "DB_DSN", "SHUTDOWN_TIMEOUT", "ALLOWED_ORIGINS",
		"HOST_AUTH_SECRET", "TURNSTILE_SECRET_KEY", "VAPID_PUBLIC", "VAPID_PRIVATE",
		"VAPID_SUBJECT", "GITHUB_CLIENT_ID", "GITHUB_CLIENT_SECRET", "GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET", "APP_BASE_URL", "ADMIN_EMAILS", "S3_ARCHIVE_BUCKET",
		"CALL_WINDOW_SECONDS", "MAILBOX_SIZE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST_AUTH_SECRET", "a-secret-at-least-16-bytes-long")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.DBType != "sqlite" {
		t.Errorf("DBType = %q, want sqlite", cfg.DBType)
	}
	if cfg.MailboxSize != DefaultMailboxSize {
		t.Errorf("MailboxSize = %d, want %d", cfg.MailboxSize, DefaultMailboxSize)
	}
}

func TestLoadMissingSecretFails(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing HOST_AUTH_SECRET")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST_AUTH_SECRET", "a-secret-at-least-16-bytes-long")
	os.Setenv("PORT", "not-a-number")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestAllowedOriginsCSV(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST_AUTH_SECRET", "a-secret-at-least-16-bytes-long")
	os.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,https://c.example")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i, o := range want {
		if cfg.AllowedOrigins[i] != o {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], o)
		}
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := &Config{AdminEmails: []string{"Boss@Example.com"}}
	if !cfg.IsAdmin("boss@example.com") {
		t.Error("expected case-insensitive admin match")
	}
	if cfg.IsAdmin("nobody@example.com") {
		t.Error("expected non-admin email to fail")
	}
}
