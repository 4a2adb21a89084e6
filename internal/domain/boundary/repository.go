package boundary

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence for boundary audit entries. Entries are
// append-only; there is no update or delete.
type Repository interface {
	Insert(ctx context.Context, e *AuditEntry) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*AuditEntry, error)
	CountBySessionAction(ctx context.Context, sessionID uuid.UUID, action AuditAction) (int, error)
}
