package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandem-chat/tandem/internal/domain/session"
)

// SessionRepository implements session.Repository.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions
		(id, mode, party_a, party_b, turn_state, boundary_flag, created_at, updated_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.Mode, s.PartyA, nullable(s.PartyB), s.TurnState, s.BoundaryFlag, s.CreatedAt, s.UpdatedAt, s.EndedAt)
	return err
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, mode, party_a, party_b, turn_state, boundary_flag, created_at, updated_at, ended_at
		FROM sessions WHERE id=$1
	`, id)
	return scanSession(row)
}

func (r *SessionRepository) UpdateTurnState(ctx context.Context, id uuid.UUID, state session.TurnState, boundaryFlag bool) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE sessions SET turn_state=$1, boundary_flag=$2, updated_at=$3 WHERE id=$4
	`, state, boundaryFlag, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) End(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE sessions SET ended_at=$1, updated_at=$1 WHERE id=$2 AND ended_at IS NULL
	`, endedAt, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		// Either missing or already ended; let the caller's read decide.
		row := r.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id=$1`, id)
		var one int
		if err := row.Scan(&one); err != nil {
			if err == pgx.ErrNoRows {
				return session.ErrNotFound
			}
			return err
		}
	}
	return nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var partyB *string
	if err := row.Scan(&s.ID, &s.Mode, &s.PartyA, &partyB, &s.TurnState, &s.BoundaryFlag, &s.CreatedAt, &s.UpdatedAt, &s.EndedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if partyB != nil {
		s.PartyB = *partyB
	}
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
