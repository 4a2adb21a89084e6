package boundary

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RiskLevel orders content risk from Low to Critical.
type RiskLevel int

const (
	LevelLow RiskLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l RiskLevel) String() string {
	switch l {
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "LOW"
	}
}

// Action is what the coordinator must do with a classified message.
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionFlag      Action = "FLAG"
	ActionBlock     Action = "BLOCK"
	ActionEmergency Action = "EMERGENCY"
)

var actionRank = map[Action]int{
	ActionAllow:     0,
	ActionFlag:      1,
	ActionBlock:     2,
	ActionEmergency: 3,
}

// ActionForLevel maps a risk level to its default action.
func ActionForLevel(l RiskLevel) Action {
	switch l {
	case LevelCritical:
		return ActionEmergency
	case LevelHigh:
		return ActionBlock
	case LevelMedium:
		return ActionFlag
	default:
		return ActionAllow
	}
}

// Assessment is the result of classifying one message.
type Assessment struct {
	Level      RiskLevel
	Categories []string
	Action     Action
}

// Combine merges two assessments by taking the more severe value on every
// axis and the union of categories.
func Combine(a, b Assessment) Assessment {
	out := Assessment{Level: a.Level, Action: a.Action}
	if b.Level > out.Level {
		out.Level = b.Level
	}
	if actionRank[b.Action] > actionRank[out.Action] {
		out.Action = b.Action
	}
	seen := map[string]struct{}{}
	for _, c := range append(append([]string{}, a.Categories...), b.Categories...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out.Categories = append(out.Categories, c)
	}
	slices.Sort(out.Categories)
	return out
}

// Type classifies why a boundary decision was made.
type Type string

const (
	TypeSafety     Type = "SAFETY"
	TypeContent    Type = "CONTENT"
	TypeBehavioral Type = "BEHAVIORAL"
)

// AuditAction is the decision recorded on an audit entry.
type AuditAction string

const (
	AuditLock  AuditAction = "LOCK"
	AuditWarn  AuditAction = "WARN"
	AuditClear AuditAction = "CLEAR"
)

// AuditEntry is the immutable record of a boundary decision. Metadata is
// structured and content-free: it must never include raw message text.
type AuditEntry struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"sessionId"`
	UserID        string          `json:"userId"`
	BoundaryType  Type            `json:"boundaryType"`
	TriggerReason string          `json:"triggerReason"`
	Action        AuditAction     `json:"action"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewAuditEntry builds an entry with a fresh id and UTC timestamp.
func NewAuditEntry(sessionID uuid.UUID, userID string, bt Type, reason string, action AuditAction, metadata json.RawMessage) *AuditEntry {
	return &AuditEntry{
		ID:            uuid.New(),
		SessionID:     sessionID,
		UserID:        userID,
		BoundaryType:  bt,
		TriggerReason: reason,
		Action:        action,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
}

// SupportResources are returned to clients alongside a SAFETY_EMERGENCY
// rejection.
var SupportResources = []string{
	"988 Suicide & Crisis Lifeline (call or text 988)",
	"Crisis Text Line (text HOME to 741741)",
	"National Domestic Violence Hotline (1-800-799-7233)",
}
