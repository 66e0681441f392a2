package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/policy"
)

var (
	_ gocmd.Commander[AcknowledgeResumeMessage] = (*AcknowledgeResumeCommand)(nil)
	_ gocmd.Commander[ResumeMessage]            = (*ResumeCommand)(nil)
	_ gocmd.Commander[PauseMessage]             = (*PauseCommand)(nil)
	_ ControlService                            = (*policy.Service)(nil)
)
