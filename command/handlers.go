package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/policy"
)

// ControlService is the operator write surface over tenant control state.
type ControlService interface {
	Pause(ctx context.Context, req core.PauseRequest) (core.ControlState, error)
	AcknowledgeResumeChecklist(ctx context.Context, tenantID string, actor string) (core.ControlState, error)
	ResumeIfAcknowledged(ctx context.Context, tenantID string, actor string) (policy.ResumeResult, error)
}

type AcknowledgeResumeCommand struct {
	service ControlService
}

func NewAcknowledgeResumeCommand(service ControlService) *AcknowledgeResumeCommand {
	return &AcknowledgeResumeCommand{service: service}
}

func (c *AcknowledgeResumeCommand) Execute(ctx context.Context, msg AcknowledgeResumeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: control service is required")
	}
	out, err := c.service.AcknowledgeResumeChecklist(ctx, strings.TrimSpace(msg.TenantID), strings.TrimSpace(msg.Actor))
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ResumeCommand struct {
	service ControlService
}

func NewResumeCommand(service ControlService) *ResumeCommand {
	return &ResumeCommand{service: service}
}

// Execute resumes the tenant. Without a prior acknowledgement nothing is
// written and a conflict error is returned alongside the stored result.
func (c *ResumeCommand) Execute(ctx context.Context, msg ResumeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: control service is required")
	}
	tenantID := strings.TrimSpace(msg.TenantID)
	out, err := c.service.ResumeIfAcknowledged(ctx, tenantID, strings.TrimSpace(msg.Actor))
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	if out.AckRequired {
		return resumeAckRequiredError(tenantID)
	}
	return nil
}

type PauseCommand struct {
	service ControlService
}

func NewPauseCommand(service ControlService) *PauseCommand {
	return &PauseCommand{service: service}
}

func (c *PauseCommand) Execute(ctx context.Context, msg PauseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: control service is required")
	}
	out, err := c.service.Pause(ctx, core.PauseRequest{
		TenantID:   strings.TrimSpace(msg.TenantID),
		Reason:     strings.TrimSpace(msg.Reason),
		Duration:   msg.Duration,
		ErrorClass: core.ErrorClassManual,
		Metadata:   map[string]any{"actor": strings.TrimSpace(msg.Actor)},
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
