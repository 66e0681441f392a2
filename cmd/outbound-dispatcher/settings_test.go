package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := LoadSettings(t.TempDir())
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.Database.Driver != "sqlite3" || settings.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected defaults %#v", settings)
	}
	if _, ok := settings.Engine["database"]; ok {
		t.Fatalf("expected process keys to be stripped from engine values")
	}
}

func TestLoadSettingsReadsFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := []byte("http:\n  addr: \":9090\"\ndispatch:\n  max_attempts: 7\n")
	if err := os.WriteFile(filepath.Join(dir, "outbound.yaml"), file, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OUTBOUND_DATABASE_DRIVER", "postgres")
	t.Setenv("OUTBOUND_DATABASE_DSN", "postgres://outbound@localhost/outbound?sslmode=disable")
	t.Setenv("OUTBOUND_WEBHOOK_BASIC_USER", "hook")
	t.Setenv("OUTBOUND_WEBHOOK_IP_ALLOWLIST", "10.0.0.0/8, 203.0.113.7")

	settings, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.HTTP.Addr != ":9090" {
		t.Fatalf("expected file value, got %q", settings.HTTP.Addr)
	}
	if settings.Database.Driver != "postgres" {
		t.Fatalf("expected env override, got %q", settings.Database.Driver)
	}
	webhook, ok := settings.Engine["webhook"].(map[string]any)
	if !ok {
		t.Fatalf("expected webhook engine values, got %#v", settings.Engine)
	}
	if webhook["basic_user"] != "hook" {
		t.Fatalf("expected basic user from env, got %#v", webhook["basic_user"])
	}
	if got := webhook["ip_allowlist"]; !reflect.DeepEqual(got, []string{"10.0.0.0/8", "203.0.113.7"}) {
		t.Fatalf("expected split allowlist, got %#v", got)
	}
}

func TestLoadSettingsRejectsUnknownDriver(t *testing.T) {
	t.Setenv("OUTBOUND_DATABASE_DRIVER", "mysql")
	if _, err := LoadSettings(t.TempDir()); err == nil {
		t.Fatalf("expected unsupported driver to fail validation")
	}
}

func TestDatabaseSettingsDurableQueue(t *testing.T) {
	cases := []struct {
		settings DatabaseSettings
		durable  bool
	}{
		{settings: DatabaseSettings{Driver: "postgres"}, durable: true},
		{settings: DatabaseSettings{Driver: "sqlite3"}, durable: false},
		{settings: DatabaseSettings{Driver: "sqlite3", Queue: "durable"}, durable: true},
		{settings: DatabaseSettings{Driver: "postgres", Queue: "memory"}, durable: false},
	}
	for _, tc := range cases {
		if got := tc.settings.DurableQueue(); got != tc.durable {
			t.Fatalf("%+v: expected durable=%v, got %v", tc.settings, tc.durable, got)
		}
	}
}

func TestLoadSettingsReadsQueueFromEnvironment(t *testing.T) {
	t.Setenv("OUTBOUND_DATABASE_QUEUE", "durable")
	settings, err := LoadSettings(t.TempDir())
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if !settings.Database.DurableQueue() {
		t.Fatalf("expected durable queue, got %#v", settings.Database)
	}

	t.Setenv("OUTBOUND_DATABASE_QUEUE", "kafka")
	if _, err := LoadSettings(t.TempDir()); err == nil {
		t.Fatalf("expected unknown queue to be rejected")
	}
}
