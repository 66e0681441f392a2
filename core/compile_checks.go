package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ error = (*TransientProviderError)(nil)
	_ error = (*InvariantBreachError)(nil)
	_ error = (*PolicyConflictError)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
