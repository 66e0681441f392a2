package core

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultStaleClaimThreshold = 5 * time.Minute
	DefaultSweepInterval       = time.Minute
	MinSweepInterval           = 30 * time.Second
	DefaultIdleQueuedAfter     = 15 * time.Minute
)

type DispatchConfig struct {
	WorkerID         string        `koanf:"worker_id" mapstructure:"worker_id"`
	MaxAttempts      int           `koanf:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	StaleThreshold   time.Duration `koanf:"stale_threshold" mapstructure:"stale_threshold" validate:"gt=0"`
	BreakerMinSample int           `koanf:"breaker_min_sample" mapstructure:"breaker_min_sample" validate:"gte=1"`
}

type SweeperConfig struct {
	Disabled  bool          `koanf:"disabled" mapstructure:"disabled"`
	Interval  time.Duration `koanf:"interval" mapstructure:"interval"`
	BatchSize int           `koanf:"batch_size" mapstructure:"batch_size" validate:"gte=1,lte=1000"`
	// IdleQueuedAfter is how long a QUEUED message may sit untouched before
	// the sweeper enqueues its send job again.
	IdleQueuedAfter time.Duration `koanf:"idle_queued_after" mapstructure:"idle_queued_after" validate:"gte=0"`
}

type WebhookConfig struct {
	IPAllowlist           []string      `koanf:"ip_allowlist" mapstructure:"ip_allowlist"`
	BasicUser             string        `koanf:"basic_user" mapstructure:"basic_user"`
	BasicPassword         string        `koanf:"basic_password" mapstructure:"basic_password"`
	PreviousBasicUser     string        `koanf:"previous_basic_user" mapstructure:"previous_basic_user"`
	PreviousBasicPassword string        `koanf:"previous_basic_password" mapstructure:"previous_basic_password"`
	PerIPLimit            int           `koanf:"per_ip_limit" mapstructure:"per_ip_limit" validate:"gte=0"`
	PerTenantLimit        int           `koanf:"per_tenant_limit" mapstructure:"per_tenant_limit" validate:"gte=0"`
	Window                time.Duration `koanf:"window" mapstructure:"window" validate:"gt=0"`
	SignatureSecret       string        `koanf:"signature_secret" mapstructure:"signature_secret"`
	SignatureHeader       string        `koanf:"signature_header" mapstructure:"signature_header"`
	MaxBodyBytes          int64         `koanf:"max_body_bytes" mapstructure:"max_body_bytes" validate:"gt=0"`
}

type ReconcileConfig struct {
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `koanf:"initial_delay" mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `koanf:"max_delay" mapstructure:"max_delay" validate:"gt=0"`
}

// PolicyDefaults apply to tenants without a stored policy row.
type PolicyDefaults struct {
	ShadowMode           bool    `koanf:"shadow_mode" mapstructure:"shadow_mode"`
	ShadowRate           int     `koanf:"shadow_rate" mapstructure:"shadow_rate" validate:"gte=0,lte=100"`
	MaxPerMinute         int     `koanf:"max_per_minute" mapstructure:"max_per_minute" validate:"gte=0"`
	MaxGlobalPerMinute   int     `koanf:"max_global_per_minute" mapstructure:"max_global_per_minute" validate:"gte=0"`
	MaxPerHour           int     `koanf:"max_per_hour" mapstructure:"max_per_hour" validate:"gte=0"`
	BounceRateThreshold  float64 `koanf:"bounce_rate_threshold" mapstructure:"bounce_rate_threshold" validate:"gte=0,lte=1"`
	SpamRateThreshold    float64 `koanf:"spam_rate_threshold" mapstructure:"spam_rate_threshold" validate:"gte=0,lte=1"`
	FailureRateThreshold float64 `koanf:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
}

func (d PolicyDefaults) ForTenant(tenantID string) TenantPolicy {
	policy := TenantPolicy{
		TenantID:             tenantID,
		ShadowMode:           d.ShadowMode,
		ShadowRate:           d.ShadowRate,
		MaxPerMinute:         d.MaxPerMinute,
		MaxGlobalPerMinute:   d.MaxGlobalPerMinute,
		BounceRateThreshold:  d.BounceRateThreshold,
		SpamRateThreshold:    d.SpamRateThreshold,
		FailureRateThreshold: d.FailureRateThreshold,
	}
	if d.MaxPerHour > 0 {
		value := d.MaxPerHour
		policy.MaxPerHour = &value
	}
	return policy
}

type ProviderConfig struct {
	BaseURL string        `koanf:"base_url" mapstructure:"base_url"`
	Token   string        `koanf:"token" mapstructure:"token"`
	Timeout time.Duration `koanf:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

type Config struct {
	ServiceName    string          `koanf:"service_name" mapstructure:"service_name" validate:"required"`
	KillSwitch     bool            `koanf:"kill_switch" mapstructure:"kill_switch"`
	Dispatch       DispatchConfig  `koanf:"dispatch" mapstructure:"dispatch"`
	Sweeper        SweeperConfig   `koanf:"sweeper" mapstructure:"sweeper"`
	Webhook        WebhookConfig   `koanf:"webhook" mapstructure:"webhook"`
	Reconcile      ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
	PolicyDefaults PolicyDefaults  `koanf:"policy_defaults" mapstructure:"policy_defaults"`
	Provider       ProviderConfig  `koanf:"provider" mapstructure:"provider"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "outbound",
		Dispatch: DispatchConfig{
			MaxAttempts:      5,
			StaleThreshold:   DefaultStaleClaimThreshold,
			BreakerMinSample: 10,
		},
		Sweeper: SweeperConfig{
			Interval:        DefaultSweepInterval,
			BatchSize:       100,
			IdleQueuedAfter: DefaultIdleQueuedAfter,
		},
		Webhook: WebhookConfig{
			PerIPLimit:      120,
			PerTenantLimit:  600,
			Window:          time.Minute,
			SignatureHeader: "X-Webhook-Signature",
			MaxBodyBytes:    1 << 20,
		},
		Reconcile: ReconcileConfig{
			MaxAttempts:  8,
			InitialDelay: 5 * time.Second,
			MaxDelay:     time.Minute,
		},
		PolicyDefaults: PolicyDefaults{
			ShadowRate:           0,
			MaxPerMinute:         60,
			MaxGlobalPerMinute:   600,
			BounceRateThreshold:  0.05,
			SpamRateThreshold:    0.001,
			FailureRateThreshold: 0.25,
		},
		Provider: ProviderConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// EffectiveSweepInterval clamps the configured interval to MinSweepInterval.
func (c SweeperConfig) EffectiveSweepInterval() time.Duration {
	if c.Interval < MinSweepInterval {
		return MinSweepInterval
	}
	return c.Interval
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("core: invalid config: %w", err)
	}
	for _, entry := range c.Webhook.IPAllowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("core: invalid webhook ip_allowlist entry %q: %w", entry, err)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("core: invalid webhook ip_allowlist entry %q", entry)
		}
	}
	if (c.Webhook.BasicUser == "") != (c.Webhook.BasicPassword == "") {
		return fmt.Errorf("core: webhook basic_user and basic_password must be set together")
	}
	if (c.Webhook.PreviousBasicUser == "") != (c.Webhook.PreviousBasicPassword == "") {
		return fmt.Errorf("core: webhook previous_basic_user and previous_basic_password must be set together")
	}
	if c.Reconcile.MaxDelay < c.Reconcile.InitialDelay {
		return fmt.Errorf("core: reconcile max_delay must be >= initial_delay")
	}
	return nil
}
