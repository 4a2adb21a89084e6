package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-chat/tandem/internal/domain/boundary"
	"github.com/tandem-chat/tandem/internal/domain/message"
	"github.com/tandem-chat/tandem/internal/domain/session"
)

// Store is an in-memory implementation of the three persistence ports.
// It backs unit tests and the server's no-database development mode.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Session
	messages map[uuid.UUID][]*message.Message
	audits   map[uuid.UUID][]*boundary.AuditEntry
}

func New() *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*session.Session),
		messages: make(map[uuid.UUID][]*message.Message),
		audits:   make(map[uuid.UUID][]*boundary.AuditEntry),
	}
}

func (s *Store) Sessions() session.Repository { return &sessionRepo{s} }
func (s *Store) Messages() message.Repository { return &messageRepo{s} }
func (s *Store) Audits() boundary.Repository  { return &auditRepo{s} }

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Create(ctx context.Context, sess *session.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (r *sessionRepo) UpdateTurnState(ctx context.Context, id uuid.UUID, state session.TurnState, boundaryFlag bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.TurnState = state
	sess.BoundaryFlag = boundaryFlag
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *sessionRepo) End(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.EndedAt = &endedAt
	sess.UpdatedAt = endedAt
	return nil
}

type messageRepo struct{ s *Store }

func (r *messageRepo) Insert(ctx context.Context, m *message.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.messages[m.SessionID] {
		if existing.ClientMessageID == m.ClientMessageID {
			return message.ErrDuplicateKey
		}
	}
	r.s.messages[m.SessionID] = append(r.s.messages[m.SessionID], m.Clone())
	return nil
}

func (r *messageRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for sid, msgs := range r.s.messages {
		for i, m := range msgs {
			if m.ID == id {
				r.s.messages[sid] = append(msgs[:i:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (r *messageRepo) FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, clientMessageID string) (*message.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, m := range r.s.messages[sessionID] {
		if m.ClientMessageID == clientMessageID {
			return m.Clone(), nil
		}
	}
	return nil, nil
}

func (r *messageRepo) ListAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*message.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*message.Message, 0)
	for _, m := range r.s.messages[sessionID] {
		if m.CreatedAt.After(after) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *messageRepo) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.messages[sessionID]), nil
}

type auditRepo struct{ s *Store }

func (r *auditRepo) Insert(ctx context.Context, e *boundary.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *e
	r.s.audits[e.SessionID] = append(r.s.audits[e.SessionID], &cp)
	return nil
}

func (r *auditRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*boundary.AuditEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*boundary.AuditEntry, 0, len(r.s.audits[sessionID]))
	for _, e := range r.s.audits[sessionID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *auditRepo) CountBySessionAction(ctx context.Context, sessionID uuid.UUID, action boundary.AuditAction) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, e := range r.s.audits[sessionID] {
		if e.Action == action {
			n++
		}
	}
	return n, nil
}
