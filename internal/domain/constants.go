package domain

// Status is the persisted lifecycle state of a JobRecord
type Status string

// Record status constants
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Externally visible status values reported by the status read path.
// Processing is never persisted; it is derived from the queue's transient state.
const (
	ViewPending    = "pending"
	ViewProcessing = "processing"
	ViewCompleted  = "completed"
	ViewFailed     = "failed"
)

// DefaultCrop is applied to asset URLs when no crop mode is requested
const DefaultCrop = "fill"

// CancelledMessage is the error message written on records cancelled before processing
const CancelledMessage = "cancelled"

// IsValid reports whether s is one of the persisted record states
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
