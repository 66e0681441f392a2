package command

import (
	"strings"
	"time"
)

const (
	TypeAcknowledgeResume = "outbound.command.resume.acknowledge"
	TypeResume            = "outbound.command.resume"
	TypePause             = "outbound.command.pause"
)

type AcknowledgeResumeMessage struct {
	TenantID string
	Actor    string
}

func (AcknowledgeResumeMessage) Type() string { return TypeAcknowledgeResume }

func (m AcknowledgeResumeMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	if strings.TrimSpace(m.Actor) == "" {
		return commandValidationError("actor", "actor is required")
	}
	return nil
}

type ResumeMessage struct {
	TenantID string
	Actor    string
}

func (ResumeMessage) Type() string { return TypeResume }

func (m ResumeMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	if strings.TrimSpace(m.Actor) == "" {
		return commandValidationError("actor", "actor is required")
	}
	return nil
}

// PauseMessage is a manual operator pause.
type PauseMessage struct {
	TenantID string
	Actor    string
	Reason   string
	Duration time.Duration
}

func (PauseMessage) Type() string { return TypePause }

func (m PauseMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return commandValidationError("tenant_id", "tenant id is required")
	}
	if strings.TrimSpace(m.Reason) == "" {
		return commandValidationError("reason", "reason is required")
	}
	if m.Duration <= 0 {
		return commandValidationError("duration", "duration must be positive")
	}
	return nil
}
