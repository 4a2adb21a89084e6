package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandem-chat/tandem/internal/domain/message"
)

const uniqueViolation = "23505"

// MessageRepository implements message.Repository. Content is stored as the
// ciphertext handed in by the coordinator.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Insert(ctx context.Context, m *message.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages
		(id, session_id, sender, content, safety_tags, client_message_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.SessionID, m.Sender, m.Content, m.SafetyTags, m.ClientMessageID, m.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return message.ErrDuplicateKey
	}
	return err
}

func (r *MessageRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id=$1`, id)
	return err
}

func (r *MessageRepository) FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, clientMessageID string) (*message.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, sender, content, safety_tags, client_message_id, created_at
		FROM messages WHERE session_id=$1 AND client_message_id=$2
	`, sessionID, clientMessageID)
	return scanMessage(row)
}

func (r *MessageRepository) ListAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*message.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, sender, content, safety_tags, client_message_id, created_at
		FROM messages WHERE session_id=$1 AND created_at > $2
		ORDER BY created_at ASC LIMIT $3
	`, sessionID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]*message.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *MessageRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	row := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM messages WHERE session_id=$1`, sessionID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var m message.Message
	if err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.SafetyTags, &m.ClientMessageID, &m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}
