package main

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-outbound/telemetry"
	"github.com/spf13/viper"
)

const envPrefix = "OUTBOUND"

// processKeys are consumed by the entrypoint; every other key feeds the
// engine configuration.
var processKeys = []string{"database", "http", "observability", "log"}

var engineEnvKeys = []string{
	"service_name",
	"kill_switch",
	"dispatch.worker_id",
	"dispatch.max_attempts",
	"dispatch.stale_threshold",
	"dispatch.breaker_min_sample",
	"sweeper.disabled",
	"sweeper.interval",
	"sweeper.batch_size",
	"sweeper.idle_queued_after",
	"webhook.ip_allowlist",
	"webhook.basic_user",
	"webhook.basic_password",
	"webhook.previous_basic_user",
	"webhook.previous_basic_password",
	"webhook.per_ip_limit",
	"webhook.per_tenant_limit",
	"webhook.window",
	"webhook.signature_secret",
	"webhook.signature_header",
	"webhook.max_body_bytes",
	"reconcile.max_attempts",
	"reconcile.initial_delay",
	"reconcile.max_delay",
	"policy_defaults.shadow_mode",
	"policy_defaults.shadow_rate",
	"policy_defaults.max_per_minute",
	"policy_defaults.max_global_per_minute",
	"policy_defaults.max_per_hour",
	"policy_defaults.bounce_rate_threshold",
	"policy_defaults.spam_rate_threshold",
	"policy_defaults.failure_rate_threshold",
	"provider.base_url",
	"provider.token",
	"provider.timeout",
}

type DatabaseSettings struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite3"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	Debug  bool   `mapstructure:"debug"`
	// Queue selects the job transport: "durable" keeps jobs in the database,
	// "memory" keeps them in process. Empty picks durable on postgres.
	Queue string `mapstructure:"queue" validate:"omitempty,oneof=durable memory"`
}

// DurableQueue reports whether send and reconcile jobs live in the database.
func (s DatabaseSettings) DurableQueue() bool {
	switch s.Queue {
	case "durable":
		return true
	case "memory":
		return false
	default:
		return s.Driver == "postgres"
	}
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Settings struct {
	Database      DatabaseSettings `mapstructure:"database"`
	HTTP          HTTPSettings     `mapstructure:"http"`
	Log           LogSettings      `mapstructure:"log"`
	Observability telemetry.Config `mapstructure:"observability"`
	// Engine holds the raw engine keys for core.CfgxConfigProvider.
	Engine map[string]any `mapstructure:"-"`
}

func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}

// LoadSettings reads an optional outbound.yaml from path, then OUTBOUND_*
// environment variables, where OUTBOUND_WEBHOOK_BASIC_USER maps to
// webhook.basic_user.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("outbound")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:outbound.db?cache=shared&_foreign_keys=on")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("observability.service_name", "outbound-dispatcher")
	v.SetDefault("observability.insecure", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range append(engineEnvKeys,
		"database.driver", "database.dsn", "database.debug", "database.queue",
		"http.addr", "log.level", "log.development",
		"observability.service_name", "observability.tracing_url",
		"observability.insecure", "observability.sample_ratio",
	) {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, err
	}
	settings.Engine = engineValues(v.AllSettings())
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func engineValues(all map[string]any) map[string]any {
	out := make(map[string]any, len(all))
	for key, value := range all {
		skip := false
		for _, processKey := range processKeys {
			if key == processKey {
				skip = true
				break
			}
		}
		if !skip {
			out[key] = value
		}
	}
	if webhook, ok := out["webhook"].(map[string]any); ok {
		if raw, ok := webhook["ip_allowlist"].(string); ok {
			webhook["ip_allowlist"] = splitList(raw)
		}
	}
	return out
}

// splitList reads comma separated env values such as
// OUTBOUND_WEBHOOK_IP_ALLOWLIST=10.0.0.0/8,203.0.113.7.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
