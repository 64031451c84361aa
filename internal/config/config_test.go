package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sync.BackoffBase != 30*time.Second {
		t.Errorf("BackoffBase = %v, want 30s", cfg.Sync.BackoffBase)
	}
	if cfg.Gateway.RateLimit != 100 || cfg.Gateway.RateWindow != time.Minute {
		t.Errorf("gateway limit = %d/%v, want 100/1m", cfg.Gateway.RateLimit, cfg.Gateway.RateWindow)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Redis.Addr() != "" {
		t.Errorf("Redis.Addr() = %q, want empty when REDIS_HOST unset", cfg.Redis.Addr())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_WORKERS", "9")
	t.Setenv("GATEWAY_RATE_LIMIT", "5")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Workers != 9 {
		t.Errorf("Workers = %d, want 9", cfg.Sync.Workers)
	}
	if cfg.Gateway.RateLimit != 5 {
		t.Errorf("RateLimit = %d, want 5", cfg.Gateway.RateLimit)
	}
	if len(cfg.Auth.EncryptionKey) != 32 {
		t.Errorf("EncryptionKey length = %d, want 32", len(cfg.Auth.EncryptionKey))
	}
}

func TestLoadFlagsBound(t *testing.T) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.Int("sync.workers", 4, "")
	if err := fs.Parse([]string{"--sync.workers=2"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Workers != 2 {
		t.Errorf("Workers = %d, want 2 from flag", cfg.Sync.Workers)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short key", map[string]string{"ENCRYPTION_KEY": "abcd"}},
		{"zero workers", map[string]string{"SYNC_WORKERS": "0"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "sqlite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
