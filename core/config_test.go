package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateRejectsBadWebhookSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"allowlist", func(c *Config) { c.Webhook.IPAllowlist = []string{"10.0.0.0/8", "not-an-ip"} }, "ip_allowlist"},
		{"cidr", func(c *Config) { c.Webhook.IPAllowlist = []string{"10.0.0.0/99"} }, "ip_allowlist"},
		{"basic pair", func(c *Config) { c.Webhook.BasicUser = "hook" }, "basic_user"},
		{"previous pair", func(c *Config) { c.Webhook.PreviousBasicPassword = "old" }, "previous_basic_user"},
		{"reconcile delays", func(c *Config) { c.Reconcile.MaxDelay = time.Second }, "max_delay"},
		{"service name", func(c *Config) { c.ServiceName = " " }, "service_name"},
		{"shadow rate", func(c *Config) { c.PolicyDefaults.ShadowRate = 101 }, "invalid config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEffectiveSweepIntervalClamps(t *testing.T) {
	if got := (SweeperConfig{Interval: time.Second}).EffectiveSweepInterval(); got != MinSweepInterval {
		t.Fatalf("expected clamp to %s, got %s", MinSweepInterval, got)
	}
	if got := (SweeperConfig{Interval: 2 * time.Minute}).EffectiveSweepInterval(); got != 2*time.Minute {
		t.Fatalf("expected configured interval, got %s", got)
	}
}

func TestResolveConfigLayersLoadedAndRuntimeValues(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticRawConfigLoader{Values: map[string]any{
		"service_name": "from-file",
		"dispatch":     map[string]any{"max_attempts": 7},
	}})
	cfg, err := ResolveConfig(context.Background(), provider, nil, Config{ServiceName: "runtime"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ServiceName != "runtime" {
		t.Fatalf("expected runtime service name, got %q", cfg.ServiceName)
	}
	if cfg.Dispatch.MaxAttempts != 7 {
		t.Fatalf("expected loaded max_attempts 7, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Webhook.Window != time.Minute || cfg.Reconcile.MaxAttempts != 8 {
		t.Fatalf("expected defaults to survive, got window=%s reconcile=%d", cfg.Webhook.Window, cfg.Reconcile.MaxAttempts)
	}
}

func TestResolveConfigRejectsInvalidRuntime(t *testing.T) {
	runtime := Config{Webhook: WebhookConfig{BasicUser: "hook"}}
	if _, err := ResolveConfig(context.Background(), nil, nil, runtime); err == nil {
		t.Fatalf("expected half-configured basic auth to fail")
	}
}

func TestPolicyDefaultsForTenant(t *testing.T) {
	policy := DefaultConfig().PolicyDefaults.ForTenant("tenant-a")
	if policy.TenantID != "tenant-a" || policy.MaxPerMinute != 60 || policy.MaxPerHour != nil {
		t.Fatalf("unexpected policy %+v", policy)
	}
	withHour := PolicyDefaults{MaxPerHour: 500}.ForTenant("tenant-b")
	if withHour.MaxPerHour == nil || *withHour.MaxPerHour != 500 {
		t.Fatalf("expected hourly cap 500")
	}
}
