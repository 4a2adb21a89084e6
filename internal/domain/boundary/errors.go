package boundary

import "github.com/google/uuid"

// LockedError reports a send or read against a session already in the
// boundary-locked state. Recoverable only through an explicit clear.
type LockedError struct {
	SessionID uuid.UUID
}

func (e *LockedError) Error() string {
	return "session is boundary locked"
}

// BlockedError rejects a single message without locking the session.
type BlockedError struct {
	Categories []string
}

func (e *BlockedError) Error() string {
	return "message blocked by safety classification"
}

// EmergencyError reports that this message triggered a new boundary lock.
// The message is never stored or delivered.
type EmergencyError struct {
	Categories []string
	Resources  []string
}

func (e *EmergencyError) Error() string {
	return "safety emergency: session locked"
}
