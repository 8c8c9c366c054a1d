package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RTC_APP_ID", "app-123")
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "9999" {
		t.Errorf("HTTPPort = %q, want 9999", cfg.HTTPPort)
	}
	if cfg.TokenFetchTimeout != 10*time.Second {
		t.Errorf("TokenFetchTimeout = %v, want 10s", cfg.TokenFetchTimeout)
	}
	if cfg.SingleJoinGrace != 5*time.Minute {
		t.Errorf("SingleJoinGrace = %v, want 5m", cfg.SingleJoinGrace)
	}
	if cfg.RTC.TokenTTL != 2*time.Hour {
		t.Errorf("RTC.TokenTTL = %v, want 2h", cfg.RTC.TokenTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestAppPortWinsOverHTTPPort(t *testing.T) {
	t.Setenv("APP_PORT", "7000")
	t.Setenv("HTTP_PORT", "9999")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:7000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestValidateProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("RTC_APP_ID", "app-123")
	t.Setenv("RTC_APP_CERTIFICATE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RTC_APP_CERTIFICATE") {
		t.Fatalf("Validate = %v, want RTC_APP_CERTIFICATE error", err)
	}
}

func TestValidateRequiresAppID(t *testing.T) {
	t.Setenv("RTC_APP_ID", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing RTC_APP_ID")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "RTC_APP_ID: from-file\nAMQP_EXCHANGE: custom.exchange\nCORS_ALLOWED_ORIGINS: https://a.example, https://b.example\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RTC.AppID != "from-file" {
		t.Errorf("RTC.AppID = %q", cfg.RTC.AppID)
	}
	if cfg.AMQPExchange != "custom.exchange" {
		t.Errorf("AMQPExchange = %q", cfg.AMQPExchange)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestDatabaseURLEscapesPassword(t *testing.T) {
	c := &Config{}
	c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode = "u", "p@ss word", "h", "5432", "d", "disable"
	got := c.DatabaseURL()
	want := "postgres://u:p%40ss+word@h:5432/d?sslmode=disable"
	if got != want {
		t.Errorf("DatabaseURL = %q, want %q", got, want)
	}
}
