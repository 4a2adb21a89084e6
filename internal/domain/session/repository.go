package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

// Repository defines persistence for sessions.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateTurnState(ctx context.Context, id uuid.UUID, state TurnState, boundaryFlag bool) error
	End(ctx context.Context, id uuid.UUID, endedAt time.Time) error
}
