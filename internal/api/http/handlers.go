package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-chat/tandem/internal/application/conversation"
	"github.com/tandem-chat/tandem/internal/application/longpoll"
	"github.com/tandem-chat/tandem/internal/domain/boundary"
	"github.com/tandem-chat/tandem/internal/domain/message"
	"github.com/tandem-chat/tandem/internal/domain/session"
)

// Request types

type createSessionRequest struct {
	Mode   string `json:"mode"`
	PartyA string `json:"partyA"`
	PartyB string `json:"partyB,omitempty"`
}

type sendMessageRequest struct {
	Sender          string `json:"sender,omitempty"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

type abortRequest struct {
	ClientID string `json:"clientId"`
}

type clearBoundaryRequest struct {
	Reason string `json:"reason"`
}

type completeReflectionRequest struct {
	Content         string `json:"content,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sess, err := s.convSvc.CreateSession(r.Context(), conversation.CreateSessionInput{
		Mode:   session.Mode(req.Mode),
		PartyA: req.PartyA,
		PartyB: req.PartyB,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := s.convSvc.GetSession(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sender, ok := s.resolveSender(w, r, id, req.Sender)
	if !ok {
		return
	}
	msg, state, err := s.convSvc.SendMessage(r.Context(), conversation.SendMessageInput{
		SessionID:       id,
		Sender:          sender,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"messageId": msg.ID,
		"turnState": state,
	})
}

func (s *Server) readMessages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	q := r.URL.Query()

	var after time.Time
	if v := q.Get("after"); v != "" {
		after, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "after must be RFC 3339")
			return
		}
	}
	var maxWait time.Duration
	if v := q.Get("waitMs"); v != "" {
		ms, err := time.ParseDuration(v + "ms")
		if err != nil || ms < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "waitMs must be a non-negative integer")
			return
		}
		maxWait = ms
	}

	res, err := s.convSvc.ReadMessages(r.Context(), conversation.ReadMessagesInput{
		SessionID: id,
		ClientID:  q.Get("clientId"),
		After:     after,
		MaxWait:   maxWait,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	switch res.Kind {
	case longpoll.KindDelivered:
		respondJSON(w, http.StatusOK, res.Messages)
	case longpoll.KindHeartbeat:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"heartbeat": true,
			"timestamp": res.Watermark,
		})
	default:
		// Timed out or aborted: an empty list tells the client to re-poll.
		respondJSON(w, http.StatusOK, []*message.Message{})
	}
}

func (s *Server) abortWait(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req abortRequest
	if err := decodeBody(r, &req); err != nil || req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "clientId is required")
		return
	}
	aborted := s.convSvc.AbortWait(id, req.ClientID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"aborted": aborted})
}

func (s *Server) clearBoundary(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req clearBoundaryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	userID := "system"
	if caller := identityFromContext(r.Context()); caller != nil {
		userID = caller.Subject
	}
	sess, err := s.convSvc.ClearBoundary(r.Context(), id, userID, req.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) completeReflection(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req completeReflectionRequest
	_ = decodeBody(r, &req)
	msg, state, err := s.convSvc.CompleteReflection(r.Context(), id, req.Content, req.ClientMessageID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": msg.ID,
		"turnState": state,
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := s.convSvc.EndSession(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	entries, err := s.convSvc.ListAudit(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// resolveSender maps the caller to a sender role. Authenticated participants
// send as themselves; privileged callers may claim any role and default to
// SYSTEM. With auth disabled the request body is trusted.
func (s *Server) resolveSender(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID, claimed string) (session.Sender, bool) {
	caller := identityFromContext(r.Context())
	if caller == nil {
		return session.Sender(claimed), true
	}
	if caller.Privileged {
		if claimed == "" {
			return session.SenderSystem, true
		}
		return session.Sender(claimed), true
	}
	sess, err := s.convSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return "", false
	}
	sender := sess.SenderFor(caller.Subject)
	if sender == "" {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "not a participant in this session")
		return "", false
	}
	return sender, true
}

// respondServiceError maps coordinator errors onto the HTTP contract.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var verr *conversation.ValidationError
	if errors.As(err, &verr) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", verr.Error())
		return
	}
	var tvErr *session.TurnViolationError
	if errors.As(err, &tvErr) {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":         "TURN_LOCKED",
			"message":       tvErr.Error(),
			"currentState":  tvErr.Current,
			"expectedState": tvErr.Expected,
		})
		return
	}
	var lockErr *boundary.LockedError
	if errors.As(err, &lockErr) {
		respondError(w, http.StatusConflict, "BOUNDARY_LOCKED", lockErr.Error())
		return
	}
	var emErr *boundary.EmergencyError
	if errors.As(err, &emErr) {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "SAFETY_EMERGENCY",
			"message":    emErr.Error(),
			"categories": emErr.Categories,
			"resources":  emErr.Resources,
		})
		return
	}
	var blockErr *boundary.BlockedError
	if errors.As(err, &blockErr) {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "SAFETY_BLOCKED",
			"message":    blockErr.Error(),
			"categories": blockErr.Categories,
		})
		return
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusNotFound, "SESSION_ENDED", "session has ended")
	case errors.Is(err, longpoll.ErrWaiterLimit):
		respondError(w, http.StatusTooManyRequests, "WAITER_LIMIT", "too many concurrent waiters for session")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
