package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandem-chat/tandem/internal/domain/boundary"
)

// AuditRepository implements boundary.Repository.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Insert(ctx context.Context, e *boundary.AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO boundary_audit
		(id, session_id, user_id, boundary_type, trigger_reason, action, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.SessionID, e.UserID, e.BoundaryType, e.TriggerReason, e.Action, e.Metadata, e.CreatedAt)
	return err
}

func (r *AuditRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*boundary.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, user_id, boundary_type, trigger_reason, action, metadata, created_at
		FROM boundary_audit WHERE session_id=$1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*boundary.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *AuditRepository) CountBySessionAction(ctx context.Context, sessionID uuid.UUID, action boundary.AuditAction) (int, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM boundary_audit WHERE session_id=$1 AND action=$2
	`, sessionID, action)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanAuditEntry(row pgx.Row) (*boundary.AuditEntry, error) {
	var e boundary.AuditEntry
	if err := row.Scan(&e.ID, &e.SessionID, &e.UserID, &e.BoundaryType, &e.TriggerReason, &e.Action, &e.Metadata, &e.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
