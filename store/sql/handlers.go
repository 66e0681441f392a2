package sqlstore

import (
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// idHandlers builds repository handlers for records keyed by a text uuid in
// the id column.
func idHandlers[T any](newRecord func() T, id func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			field := id(record)
			if field == nil {
				return uuid.Nil
			}
			return parseUUID(*field)
		},
		SetID: func(record T, value uuid.UUID) {
			if field := id(record); field != nil {
				*field = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			field := id(record)
			if field == nil {
				return ""
			}
			return strings.TrimSpace(*field)
		},
	}
}

func messageHandlers() repository.ModelHandlers[*messageRecord] {
	return idHandlers(
		func() *messageRecord { return &messageRecord{} },
		func(record *messageRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func tenantPolicyHandlers() repository.ModelHandlers[*tenantPolicyRecord] {
	return idHandlers(
		func() *tenantPolicyRecord { return &tenantPolicyRecord{} },
		func(record *tenantPolicyRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func controlStateHandlers() repository.ModelHandlers[*controlStateRecord] {
	return idHandlers(
		func() *controlStateRecord { return &controlStateRecord{} },
		func(record *controlStateRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func sendEventHandlers() repository.ModelHandlers[*sendEventRecord] {
	return idHandlers(
		func() *sendEventRecord { return &sendEventRecord{} },
		func(record *sendEventRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func webhookEventHandlers() repository.ModelHandlers[*webhookEventRecord] {
	return idHandlers(
		func() *webhookEventRecord { return &webhookEventRecord{} },
		func(record *webhookEventRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func alertHandlers() repository.ModelHandlers[*alertRecord] {
	return idHandlers(
		func() *alertRecord { return &alertRecord{} },
		func(record *alertRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func newValidatedRepository[T any](db *bun.DB, name string, handlers repository.ModelHandlers[T]) (repository.Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func rowsAffected(result interface{ RowsAffected() (int64, error) }) (bool, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
