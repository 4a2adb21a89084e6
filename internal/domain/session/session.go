package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes two-party couple sessions from free-form solo sessions.
type Mode string

const (
	ModeCouple Mode = "COUPLE"
	ModeSolo   Mode = "SOLO"
)

// TurnState says which actor may submit the next message.
type TurnState string

const (
	TurnAwaitingA TurnState = "AWAITING_A"
	TurnAwaitingB TurnState = "AWAITING_B"
	TurnAiReflect TurnState = "AI_REFLECT"
	TurnLocked    TurnState = "LOCKED"
)

// Sender identifies who is submitting a message.
type Sender string

const (
	SenderPartyA Sender = "PARTY_A"
	SenderPartyB Sender = "PARTY_B"
	SenderSystem Sender = "SYSTEM"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session has ended")
)

// Rejection reasons reported by the turn state machine.
const (
	ReasonBoundaryLocked = "boundary locked"
	ReasonProcessing     = "processing"
	ReasonNotYourTurn    = "not your turn"
)

// Session is one conversation instance.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	Mode         Mode       `json:"mode"`
	PartyA       string     `json:"partyA"`
	PartyB       string     `json:"partyB,omitempty"`
	TurnState    TurnState  `json:"turnState"`
	BoundaryFlag bool       `json:"boundaryFlag"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// New creates a session in its initial turn state. Couple sessions start
// waiting on party A; solo sessions have no turn gate and sit in AI_REFLECT.
func New(mode Mode, partyA, partyB string) *Session {
	now := time.Now().UTC()
	initial := TurnAwaitingA
	if mode == ModeSolo {
		initial = TurnAiReflect
	}
	return &Session{
		ID:        uuid.New(),
		Mode:      mode,
		PartyA:    partyA,
		PartyB:    partyB,
		TurnState: initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Ended reports whether the session accepts further sends.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// TurnDecision is the result of validating a would-be sender against the
// current turn state. Expected carries the state the sender would need,
// for client diagnostics.
type TurnDecision struct {
	Allowed  bool
	Current  TurnState
	Expected TurnState
	Reason   string
}

// TurnViolationError is returned when a send is rejected by turn order.
type TurnViolationError struct {
	Current  TurnState
	Expected TurnState
	Reason   string
}

func (e *TurnViolationError) Error() string {
	return "turn violation: " + e.Reason
}

type transition struct {
	from TurnState
	by   Sender
}

// turnTable is the complete legal transition set. Anything absent is a no-op.
var turnTable = map[transition]TurnState{
	{TurnAwaitingA, SenderPartyA}: TurnAwaitingB,
	{TurnAwaitingB, SenderPartyB}: TurnAiReflect,
	{TurnAiReflect, SenderSystem}: TurnAwaitingA,
}

// expectedState maps each sender to the only state it may act in.
var expectedState = map[Sender]TurnState{
	SenderPartyA: TurnAwaitingA,
	SenderPartyB: TurnAwaitingB,
	SenderSystem: TurnAiReflect,
}

// ValidateTurn decides whether sender may act in the given state.
// Solo sessions treat every non-locked state as sendable.
func ValidateTurn(state TurnState, mode Mode, sender Sender) TurnDecision {
	if state == TurnLocked {
		return TurnDecision{Current: state, Expected: expectedState[sender], Reason: ReasonBoundaryLocked}
	}
	if mode == ModeSolo {
		return TurnDecision{Allowed: true, Current: state, Expected: state}
	}
	expected := expectedState[sender]
	if state == expected {
		return TurnDecision{Allowed: true, Current: state, Expected: expected}
	}
	reason := ReasonNotYourTurn
	if state == TurnAiReflect {
		reason = ReasonProcessing
	}
	return TurnDecision{Current: state, Expected: expected, Reason: reason}
}

// AdvanceTurn returns the state after sender acts. Illegal sender/state pairs
// return the state unchanged; callers must treat that as "did not advance".
// Solo sessions never advance.
func AdvanceTurn(state TurnState, mode Mode, sender Sender) TurnState {
	if mode == ModeSolo {
		return state
	}
	if next, ok := turnTable[transition{state, sender}]; ok {
		return next
	}
	return state
}

// ValidateSend applies the turn state machine to this session.
func (s *Session) ValidateSend(sender Sender) TurnDecision {
	return ValidateTurn(s.TurnState, s.Mode, sender)
}

// Advance mutates the session per the transition table and reports whether
// the state actually changed.
func (s *Session) Advance(sender Sender) bool {
	next := AdvanceTurn(s.TurnState, s.Mode, sender)
	if next == s.TurnState {
		return false
	}
	s.TurnState = next
	s.UpdatedAt = time.Now().UTC()
	return true
}

// Lock forces the session into the boundary-locked state. Sticky until
// ClearLock.
func (s *Session) Lock() {
	s.TurnState = TurnLocked
	s.BoundaryFlag = true
	s.UpdatedAt = time.Now().UTC()
}

// ClearLock resets a locked session back to AWAITING_A (couple) or
// AI_REFLECT (solo).
func (s *Session) ClearLock() {
	if s.Mode == ModeSolo {
		s.TurnState = TurnAiReflect
	} else {
		s.TurnState = TurnAwaitingA
	}
	s.BoundaryFlag = false
	s.UpdatedAt = time.Now().UTC()
}

// SenderFor maps a participant id to its sender role, or "" when the
// participant does not belong to this session.
func (s *Session) SenderFor(participant string) Sender {
	switch participant {
	case s.PartyA:
		return SenderPartyA
	case s.PartyB:
		if s.Mode == ModeCouple && s.PartyB != "" {
			return SenderPartyB
		}
	}
	return ""
}
