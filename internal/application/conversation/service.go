package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	guard "github.com/tandem-chat/tandem/internal/application/boundary"
	"github.com/tandem-chat/tandem/internal/application/longpoll"
	"github.com/tandem-chat/tandem/internal/domain/boundary"
	"github.com/tandem-chat/tandem/internal/domain/message"
	"github.com/tandem-chat/tandem/internal/domain/session"
)

// FieldCipher encrypts message content before it reaches storage. The
// coordinator treats ciphertext as opaque.
type FieldCipher interface {
	EncryptField(ctx context.Context, sessionID uuid.UUID, plaintext string) (string, error)
	DecryptField(ctx context.Context, sessionID uuid.UUID, ciphertext string) (string, error)
}

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Service coordinates the turn state machine, the boundary guard, and the
// long-poll dispatcher around the shared session record.
type Service struct {
	sessions   session.Repository
	messages   message.Repository
	audits     boundary.Repository
	guard      *guard.Guard
	dispatcher *longpoll.Dispatcher
	cipher     FieldCipher
	logger     zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewService wires the coordinator.
func NewService(
	sessions session.Repository,
	messages message.Repository,
	audits boundary.Repository,
	g *guard.Guard,
	dispatcher *longpoll.Dispatcher,
	cipher FieldCipher,
	logger zerolog.Logger,
) *Service {
	return &Service{
		sessions:   sessions,
		messages:   messages,
		audits:     audits,
		guard:      g,
		dispatcher: dispatcher,
		cipher:     cipher,
		logger:     logger.With().Str("service", "conversation").Logger(),
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// sessionLock returns the per-session mutex that makes send and
// waiter registration mutually exclusive critical sections.
func (s *Service) sessionLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateSessionInput creates a new conversation session.
type CreateSessionInput struct {
	Mode   session.Mode
	PartyA string
	PartyB string
}

// CreateSession validates participants and persists a new session.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*session.Session, error) {
	if in.Mode != session.ModeCouple && in.Mode != session.ModeSolo {
		return nil, &ValidationError{Field: "mode", Msg: "must be COUPLE or SOLO"}
	}
	if strings.TrimSpace(in.PartyA) == "" {
		return nil, &ValidationError{Field: "partyA", Msg: "is required"}
	}
	if in.Mode == session.ModeCouple {
		if strings.TrimSpace(in.PartyB) == "" {
			return nil, &ValidationError{Field: "partyB", Msg: "is required for couple sessions"}
		}
		if in.PartyA == in.PartyB {
			return nil, &ValidationError{Field: "partyB", Msg: "must differ from partyA"}
		}
	} else if in.PartyB != "" {
		return nil, &ValidationError{Field: "partyB", Msg: "must be empty for solo sessions"}
	}

	sess := session.New(in.Mode, in.PartyA, in.PartyB)
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info().Str("sessionId", sess.ID.String()).Str("mode", string(sess.Mode)).Msg("session created")
	return sess, nil
}

// GetSession loads a session or returns session.ErrNotFound.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// SendMessageInput submits one utterance.
type SendMessageInput struct {
	SessionID       uuid.UUID
	Sender          session.Sender
	Content         string
	ClientMessageID string
}

// SendMessage runs the full accept pipeline: classification, turn
// validation, persistence, turn advance, and fan-out. Rejections leave no
// state behind. The returned message carries plaintext content.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*message.Message, session.TurnState, error) {
	switch in.Sender {
	case session.SenderPartyA, session.SenderPartyB, session.SenderSystem:
	default:
		return nil, "", &ValidationError{Field: "sender", Msg: "must be PARTY_A, PARTY_B or SYSTEM"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, "", &ValidationError{Field: "content", Msg: "is required"}
	}
	if strings.TrimSpace(in.ClientMessageID) == "" {
		return nil, "", &ValidationError{Field: "clientMessageId", Msg: "is required"}
	}

	lock := s.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, "", err
	}
	if sess.Ended() {
		return nil, "", session.ErrEnded
	}

	// Resend with a known idempotency key returns the original and does
	// not advance the turn.
	if existing, err := s.messages.FindByIdempotencyKey(ctx, sess.ID, in.ClientMessageID); err != nil {
		return nil, "", fmt.Errorf("idempotency lookup: %w", err)
	} else if existing != nil {
		plain, err := s.decrypt(ctx, existing)
		if err != nil {
			return nil, "", err
		}
		return plain, sess.TurnState, nil
	}

	assessment := boundary.Assessment{Level: boundary.LevelLow, Action: boundary.ActionAllow}
	if in.Sender != session.SenderSystem {
		assessment = s.guard.Classify(in.Content, s.messageContext(ctx, sess.ID))
	}
	decision := sess.ValidateSend(in.Sender)

	if assessment.Action == boundary.ActionEmergency {
		if sess.TurnState == session.TurnLocked {
			return nil, "", &boundary.LockedError{SessionID: sess.ID}
		}
		if err := s.lockSession(ctx, sess, string(in.Sender), assessment, len(in.Content)); err != nil {
			return nil, "", err
		}
		return nil, "", &boundary.EmergencyError{
			Categories: assessment.Categories,
			Resources:  boundary.SupportResources,
		}
	}

	if !decision.Allowed {
		if decision.Reason == session.ReasonBoundaryLocked {
			return nil, "", &boundary.LockedError{SessionID: sess.ID}
		}
		return nil, "", &session.TurnViolationError{
			Current:  decision.Current,
			Expected: decision.Expected,
			Reason:   decision.Reason,
		}
	}

	if assessment.Action == boundary.ActionBlock {
		s.writeAudit(ctx, boundary.NewAuditEntry(
			sess.ID, string(in.Sender), boundary.TypeContent, "deterministic or contextual block",
			boundary.AuditWarn, auditMetadata(assessment, len(in.Content)),
		))
		return nil, "", &boundary.BlockedError{Categories: assessment.Categories}
	}

	var tags []string
	if assessment.Action == boundary.ActionFlag {
		tags = assessment.Categories
	}

	msg := message.New(sess.ID, in.Sender, in.Content, in.ClientMessageID, tags)
	stored := msg.Clone()
	stored.Content, err = s.cipher.EncryptField(ctx, sess.ID, in.Content)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt content: %w", err)
	}
	if err := s.messages.Insert(ctx, stored); err != nil {
		return nil, "", fmt.Errorf("insert message: %w", err)
	}

	if sess.Advance(in.Sender) {
		if err := s.sessions.UpdateTurnState(ctx, sess.ID, sess.TurnState, sess.BoundaryFlag); err != nil {
			// Compensate so the send applies fully or not at all.
			if delErr := s.messages.Delete(ctx, stored.ID); delErr != nil {
				s.logger.Error().Err(delErr).Str("messageId", stored.ID.String()).Msg("compensating delete failed")
			}
			return nil, "", fmt.Errorf("advance turn: %w", err)
		}
	}

	// Fan out while holding the session lock: no waiter can register
	// between the backlog check in ReadMessages and this delivery.
	s.dispatcher.Deliver(sess.ID, msg)

	return msg, sess.TurnState, nil
}

// ReadMessagesInput reads or long-polls for messages.
type ReadMessagesInput struct {
	SessionID uuid.UUID
	ClientID  string
	After     time.Time
	MaxWait   time.Duration
	Limit     int
}

const defaultReadLimit = 100

// ReadMessages returns the backlog after the watermark immediately when it
// exists, otherwise blocks on a registered waiter until delivery, timeout,
// heartbeat, or abort.
func (s *Service) ReadMessages(ctx context.Context, in ReadMessagesInput) (longpoll.Result, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return longpoll.Result{}, &ValidationError{Field: "clientId", Msg: "is required"}
	}
	if in.Limit <= 0 {
		in.Limit = defaultReadLimit
	}

	sess, err := s.GetSession(ctx, in.SessionID)
	if err != nil {
		return longpoll.Result{}, err
	}
	if sess.TurnState == session.TurnLocked {
		return longpoll.Result{}, &boundary.LockedError{SessionID: sess.ID}
	}

	ticket, backlog, err := s.checkBacklogOrRegister(ctx, sess, in)
	if err != nil {
		return longpoll.Result{}, err
	}
	if ticket == nil {
		return backlog, nil
	}
	return ticket.Wait(ctx)
}

// checkBacklogOrRegister holds the session lock across the backlog check
// and waiter registration so an in-flight Deliver cannot slip between them.
func (s *Service) checkBacklogOrRegister(ctx context.Context, sess *session.Session, in ReadMessagesInput) (*longpoll.Ticket, longpoll.Result, error) {
	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := s.messages.ListAfter(ctx, sess.ID, in.After, in.Limit)
	if err != nil {
		return nil, longpoll.Result{}, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) > 0 {
		plain := make([]*message.Message, 0, len(msgs))
		for _, m := range msgs {
			p, err := s.decrypt(ctx, m)
			if err != nil {
				return nil, longpoll.Result{}, err
			}
			plain = append(plain, p)
		}
		return nil, longpoll.Result{
			Kind:      longpoll.KindDelivered,
			Messages:  plain,
			Watermark: plain[len(plain)-1].CreatedAt,
		}, nil
	}

	if sess.Ended() {
		// No waiters on ended sessions; report an immediate empty result.
		return nil, longpoll.Result{Kind: longpoll.KindTimedOut, Watermark: in.After}, nil
	}

	ticket, err := s.dispatcher.Register(sess.ID, in.ClientID, in.MaxWait, in.After)
	if err != nil {
		return nil, longpoll.Result{}, err
	}
	return ticket, longpoll.Result{}, nil
}

// AbortWait cancels a pending long poll for the client.
func (s *Service) AbortWait(sessionID uuid.UUID, clientID string) bool {
	return s.dispatcher.Abort(sessionID, clientID)
}

// ClearBoundary is the privileged unlock. It resets the turn state and
// records an audit entry with action CLEAR.
func (s *Service) ClearBoundary(ctx context.Context, sessionID uuid.UUID, userID, reason string) (*session.Session, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Msg: "is required"}
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TurnState != session.TurnLocked {
		return nil, &ValidationError{Field: "session", Msg: "is not boundary locked"}
	}

	sess.ClearLock()
	if err := s.sessions.UpdateTurnState(ctx, sess.ID, sess.TurnState, sess.BoundaryFlag); err != nil {
		return nil, fmt.Errorf("clear boundary: %w", err)
	}
	s.writeAudit(ctx, boundary.NewAuditEntry(
		sess.ID, userID, boundary.TypeSafety, reason, boundary.AuditClear, nil,
	))
	s.logger.Info().Str("sessionId", sess.ID.String()).Str("userId", userID).Msg("boundary cleared")
	return sess, nil
}

// CompleteReflection finishes the AI_REFLECT phase with a system message
// and hands the turn back to party A.
func (s *Service) CompleteReflection(ctx context.Context, sessionID uuid.UUID, content, clientMessageID string) (*message.Message, session.TurnState, error) {
	if strings.TrimSpace(content) == "" {
		content = "reflection complete"
	}
	if strings.TrimSpace(clientMessageID) == "" {
		clientMessageID = uuid.NewString()
	}
	return s.SendMessage(ctx, SendMessageInput{
		SessionID:       sessionID,
		Sender:          session.SenderSystem,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
}

// EndSession marks the session ended and flushes its waiters. Idempotent.
func (s *Service) EndSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return sess, nil
	}
	now := time.Now().UTC()
	if err := s.sessions.End(ctx, id, now); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	sess.EndedAt = &now
	flushed := s.dispatcher.AbortAll(id)
	s.logger.Info().Str("sessionId", id.String()).Int("flushedWaiters", flushed).Msg("session ended")
	return sess, nil
}

// ListAudit exposes the compliance trail for a session.
func (s *Service) ListAudit(ctx context.Context, sessionID uuid.UUID) ([]*boundary.AuditEntry, error) {
	return s.audits.ListBySession(ctx, sessionID)
}

// lockSession applies the emergency side effects: force the locked state,
// persist it, and record the lock decision. The triggering message is
// never stored.
func (s *Service) lockSession(ctx context.Context, sess *session.Session, userID string, a boundary.Assessment, contentLen int) error {
	sess.Lock()
	if err := s.sessions.UpdateTurnState(ctx, sess.ID, sess.TurnState, sess.BoundaryFlag); err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	s.writeAudit(ctx, boundary.NewAuditEntry(
		sess.ID, userID, boundary.TypeSafety, "emergency classification",
		boundary.AuditLock, auditMetadata(a, contentLen),
	))
	s.logger.Warn().
		Str("sessionId", sess.ID.String()).
		Strs("categories", a.Categories).
		Msg("session boundary locked")
	return nil
}

// writeAudit is best-effort: a failed audit write is logged but never
// blocks or reverses the decision it records.
func (s *Service) writeAudit(ctx context.Context, entry *boundary.AuditEntry) {
	if err := s.audits.Insert(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("sessionId", entry.SessionID.String()).
			Str("action", string(entry.Action)).
			Msg("failed to write boundary audit entry")
	}
}

// messageContext gathers the session-side risk signals for classification.
// Failures degrade to zero signals rather than failing the send.
func (s *Service) messageContext(ctx context.Context, sessionID uuid.UUID) guard.MessageContext {
	count, err := s.messages.CountBySession(ctx, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Msg("count messages failed")
	}
	locks, err := s.audits.CountBySessionAction(ctx, sessionID, boundary.AuditLock)
	if err != nil {
		s.logger.Error().Err(err).Msg("count lock entries failed")
	}
	warns, err := s.audits.CountBySessionAction(ctx, sessionID, boundary.AuditWarn)
	if err != nil {
		s.logger.Error().Err(err).Msg("count warn entries failed")
	}
	return guard.MessageContext{
		HourOfDay:           time.Now().UTC().Hour(),
		PriorMessageCount:   count,
		PriorViolationCount: locks + warns,
	}
}

func (s *Service) decrypt(ctx context.Context, m *message.Message) (*message.Message, error) {
	plain, err := s.cipher.DecryptField(ctx, m.SessionID, m.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	out := m.Clone()
	out.Content = plain
	return out, nil
}

// auditMetadata builds the structured, content-free metadata blob.
func auditMetadata(a boundary.Assessment, contentLen int) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"level":         a.Level.String(),
		"action":        string(a.Action),
		"categories":    a.Categories,
		"messageLength": contentLen,
	})
	return b
}
