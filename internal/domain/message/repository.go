package message

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned when (sessionID, clientMessageID) already exists.
var ErrDuplicateKey = errors.New("duplicate client message id")

// Repository defines persistence for messages.
type Repository interface {
	Insert(ctx context.Context, m *Message) error
	// Delete removes a message. Used only to compensate a failed turn-state
	// write so a send either fully applies or not at all.
	Delete(ctx context.Context, id uuid.UUID) error
	FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, clientMessageID string) (*Message, error)
	// ListAfter returns messages with CreatedAt strictly greater than after,
	// oldest first.
	ListAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*Message, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error)
}
