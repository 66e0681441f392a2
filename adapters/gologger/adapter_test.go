package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestForWorkerPrefersProvider(t *testing.T) {
	direct := &capturingLogger{id: "direct"}
	provider := &capturingProvider{logger: &capturingLogger{id: "provider"}}

	loggers := ForWorker("consumer", provider, direct)
	if loggers.Name != "outbound.consumer" {
		t.Fatalf("expected scoped name, got %q", loggers.Name)
	}
	got, ok := loggers.Logger.(*capturingLogger)
	if !ok || got.id != "provider" {
		t.Fatalf("expected provider logger, got %#v", loggers.Logger)
	}
	if loggers.Jobs == nil {
		t.Fatalf("expected go-job provider bridge")
	}
}

func TestForWorkerFallsBackToDirectLogger(t *testing.T) {
	direct := &capturingLogger{id: "direct"}

	loggers := ForWorker("sweeper", nil, direct)
	got, ok := loggers.Logger.(*capturingLogger)
	if !ok || got.id != "direct" {
		t.Fatalf("expected direct logger, got %#v", loggers.Logger)
	}

	loggers.Job.Info("claim recovered", "message_id", "m-1")
	if direct.lastInfo.msg != "claim recovered" {
		t.Fatalf("expected job bridge to reach direct logger, got %q", direct.lastInfo.msg)
	}
	if len(direct.lastInfo.args) != 2 || direct.lastInfo.args[1] != "m-1" {
		t.Fatalf("expected bridged args, got %#v", direct.lastInfo.args)
	}
}

func TestForWorkerNopFallback(t *testing.T) {
	loggers := ForWorker("", nil, nil)
	if loggers.Name != "outbound" {
		t.Fatalf("expected root name, got %q", loggers.Name)
	}
	if loggers.Logger == nil || loggers.Job == nil {
		t.Fatalf("expected nop loggers")
	}
	loggers.Job.Info("ignored")
}

func TestWorkerName(t *testing.T) {
	cases := map[string]string{
		"Reconcile":         "outbound.reconcile",
		"outbound.dispatch": "outbound.dispatch",
		"  webhooks  ":      "outbound.webhooks",
		"outbound":          "outbound",
	}
	for in, want := range cases {
		if got := WorkerName(in); got != want {
			t.Fatalf("WorkerName(%q) = %q, want %q", in, got, want)
		}
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{msg: msg, args: append([]any(nil), args...)}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
