package core

import (
	"context"
	"fmt"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed map, typically produced by viper or a
// test fixture.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return CopyAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig layers defaults, provider-loaded values and runtime
// overrides, in that order of precedence.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

// configToLayerMap only emits non-zero values unless includeZero is set, so
// upper layers never clobber lower ones with zero values.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	put := func(target map[string]any, key string, value any, isZero bool) {
		if includeZero || !isZero {
			target[key] = value
		}
	}
	put(layer, "service_name", cfg.ServiceName, cfg.ServiceName == "")
	put(layer, "kill_switch", cfg.KillSwitch, !cfg.KillSwitch)

	dispatch := map[string]any{}
	put(dispatch, "worker_id", cfg.Dispatch.WorkerID, cfg.Dispatch.WorkerID == "")
	put(dispatch, "max_attempts", cfg.Dispatch.MaxAttempts, cfg.Dispatch.MaxAttempts == 0)
	put(dispatch, "stale_threshold", cfg.Dispatch.StaleThreshold, cfg.Dispatch.StaleThreshold == 0)
	put(dispatch, "breaker_min_sample", cfg.Dispatch.BreakerMinSample, cfg.Dispatch.BreakerMinSample == 0)
	if len(dispatch) > 0 {
		layer["dispatch"] = dispatch
	}

	sweeper := map[string]any{}
	put(sweeper, "disabled", cfg.Sweeper.Disabled, !cfg.Sweeper.Disabled)
	put(sweeper, "interval", cfg.Sweeper.Interval, cfg.Sweeper.Interval == 0)
	put(sweeper, "batch_size", cfg.Sweeper.BatchSize, cfg.Sweeper.BatchSize == 0)
	if len(sweeper) > 0 {
		layer["sweeper"] = sweeper
	}

	webhook := map[string]any{}
	put(webhook, "ip_allowlist", append([]string(nil), cfg.Webhook.IPAllowlist...), len(cfg.Webhook.IPAllowlist) == 0)
	put(webhook, "basic_user", cfg.Webhook.BasicUser, cfg.Webhook.BasicUser == "")
	put(webhook, "basic_password", cfg.Webhook.BasicPassword, cfg.Webhook.BasicPassword == "")
	put(webhook, "previous_basic_user", cfg.Webhook.PreviousBasicUser, cfg.Webhook.PreviousBasicUser == "")
	put(webhook, "previous_basic_password", cfg.Webhook.PreviousBasicPassword, cfg.Webhook.PreviousBasicPassword == "")
	put(webhook, "per_ip_limit", cfg.Webhook.PerIPLimit, cfg.Webhook.PerIPLimit == 0)
	put(webhook, "per_tenant_limit", cfg.Webhook.PerTenantLimit, cfg.Webhook.PerTenantLimit == 0)
	put(webhook, "window", cfg.Webhook.Window, cfg.Webhook.Window == 0)
	put(webhook, "signature_secret", cfg.Webhook.SignatureSecret, cfg.Webhook.SignatureSecret == "")
	put(webhook, "signature_header", cfg.Webhook.SignatureHeader, cfg.Webhook.SignatureHeader == "")
	put(webhook, "max_body_bytes", cfg.Webhook.MaxBodyBytes, cfg.Webhook.MaxBodyBytes == 0)
	if len(webhook) > 0 {
		layer["webhook"] = webhook
	}

	reconcile := map[string]any{}
	put(reconcile, "max_attempts", cfg.Reconcile.MaxAttempts, cfg.Reconcile.MaxAttempts == 0)
	put(reconcile, "initial_delay", cfg.Reconcile.InitialDelay, cfg.Reconcile.InitialDelay == 0)
	put(reconcile, "max_delay", cfg.Reconcile.MaxDelay, cfg.Reconcile.MaxDelay == 0)
	if len(reconcile) > 0 {
		layer["reconcile"] = reconcile
	}

	defaults := cfg.PolicyDefaults
	policy := map[string]any{}
	put(policy, "shadow_mode", defaults.ShadowMode, !defaults.ShadowMode)
	put(policy, "shadow_rate", defaults.ShadowRate, defaults.ShadowRate == 0)
	put(policy, "max_per_minute", defaults.MaxPerMinute, defaults.MaxPerMinute == 0)
	put(policy, "max_global_per_minute", defaults.MaxGlobalPerMinute, defaults.MaxGlobalPerMinute == 0)
	put(policy, "max_per_hour", defaults.MaxPerHour, defaults.MaxPerHour == 0)
	put(policy, "bounce_rate_threshold", defaults.BounceRateThreshold, defaults.BounceRateThreshold == 0)
	put(policy, "spam_rate_threshold", defaults.SpamRateThreshold, defaults.SpamRateThreshold == 0)
	put(policy, "failure_rate_threshold", defaults.FailureRateThreshold, defaults.FailureRateThreshold == 0)
	if len(policy) > 0 {
		layer["policy_defaults"] = policy
	}

	provider := map[string]any{}
	put(provider, "base_url", cfg.Provider.BaseURL, cfg.Provider.BaseURL == "")
	put(provider, "token", cfg.Provider.Token, cfg.Provider.Token == "")
	put(provider, "timeout", cfg.Provider.Timeout, cfg.Provider.Timeout == 0)
	if len(provider) > 0 {
		layer["provider"] = provider
	}
	return layer
}
