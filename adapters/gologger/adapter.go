package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// WorkerLoggers carries the loggers one background worker needs: the glog
// logger for the send engine observer and the go-job bridge for the queue
// consumer.
type WorkerLoggers struct {
	Name     string
	Provider glog.LoggerProvider
	Logger   glog.Logger
	Job      job.Logger
	Jobs     job.LoggerProvider
}

// ForWorker resolves a named worker logger with provider > logger > nop
// precedence. Names are scoped under "outbound.".
func ForWorker(name string, provider glog.LoggerProvider, logger glog.Logger) WorkerLoggers {
	name = WorkerName(name)
	resolvedProvider, resolved := glog.Resolve(name, provider, logger)
	resolved = glog.Ensure(resolved)

	out := WorkerLoggers{
		Name:     name,
		Provider: resolvedProvider,
		Logger:   resolved,
		Job:      job.GoLogger(resolved),
	}
	if resolvedProvider != nil {
		out.Jobs = job.GoLoggerProvider(resolvedProvider)
	}
	return out
}

func WorkerName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "outbound"
	}
	if name == "outbound" || strings.HasPrefix(name, "outbound.") {
		return name
	}
	return "outbound." + name
}
