package config

import (
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatnotes/chat"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DB_DSN", "HTTP_ADDR", "POLL_INTERVAL", "MODE_DEBOUNCE", "POLL_BATCH_SIZE", "MONITORED_CHANNELS", "DISCORD_BOT_TOKEN"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDsn == "" {
		t.Error("expected default DB_DSN")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.PollInterval != 15*time.Minute {
		t.Errorf("PollInterval = %v, want 15m", cfg.PollInterval)
	}
	if cfg.ModeDebounce != 30*time.Second {
		t.Errorf("ModeDebounce = %v, want 30s", cfg.ModeDebounce)
	}
	if cfg.ServerTTL != 15*time.Minute || cfg.ChannelTTL != 30*time.Minute {
		t.Errorf("TTLs = %v/%v", cfg.ServerTTL, cfg.ChannelTTL)
	}
	if cfg.PollBatchSize != 50 {
		t.Errorf("PollBatchSize = %d", cfg.PollBatchSize)
	}
	if len(cfg.MonitoredChannels) != 0 {
		t.Errorf("MonitoredChannels = %v", cfg.MonitoredChannels)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MONITORED_CHANNELS", "111,222")
	t.Setenv("POLL_INTERVAL", "2m")
	t.Setenv("POLL_RATE_PER_SEC", "2.5")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.MonitoredChannels) != 2 || cfg.MonitoredChannels[1] != "222" {
		t.Errorf("MonitoredChannels = %v", cfg.MonitoredChannels)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.PollRatePerSec != 2.5 {
		t.Errorf("PollRatePerSec = %v", cfg.PollRatePerSec)
	}
	if err := cfg.ValidatePushReady(); err != nil {
		t.Errorf("ValidatePushReady: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.PollBatchSize = 500
	cfg.PollConcurrency = 0
	cfg.ModeDebounce = 0
	cfg.AdminUsername = "admin"
	cfg.TraceSampleRatio = 1.5

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, chat.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	for _, field := range []string{"POLL_BATCH_SIZE", "POLL_CONCURRENCY", "MODE_DEBOUNCE", "ADMIN_USERNAME/ADMIN_PASSWORD", "OTEL_TRACES_SAMPLER_ARG"} {
		found := false
		for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
			var ce *chat.ConfigurationError
			if errors.As(e, &ce) && ce.Field == field {
				found = true
			}
		}
		if !found {
			t.Errorf("missing error for %s", field)
		}
	}

	if err := cfg.ValidatePushReady(); err == nil {
		t.Error("expected push readiness error without a token")
	}
}

func TestAdminAuthEnabled(t *testing.T) {
	cfg := &Config{}
	if cfg.AdminAuthEnabled() {
		t.Error("no credentials should disable admin auth")
	}
	cfg.AdminToken = "x"
	if !cfg.AdminAuthEnabled() {
		t.Error("token should enable admin auth")
	}
}
