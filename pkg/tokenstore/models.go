package tokenstore

import (
	"time"

	"github.com/google/uuid"
)

// PendingVerification is the short-lived record issued after a successful
// password check. The one-time code itself is never stored; only its SHA-256
// digest is kept, so the store cannot leak a usable code.
type PendingVerification struct {
	Token       string
	PrincipalID uuid.UUID
	CodeHash    []byte
	Attempts    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// RequestState is the lifecycle state of an impersonation request
type RequestState string

const (
	StateCreated              RequestState = "created"
	StateAwaitingConfirmation RequestState = "awaiting_confirmation"
	StateConfirmed            RequestState = "confirmed"
	StateExchanged            RequestState = "exchanged"
	StateExpired              RequestState = "expired"
	StateDenied               RequestState = "denied"
)

// Terminal reports whether the state admits no further transitions
func (s RequestState) Terminal() bool {
	switch s {
	case StateExchanged, StateExpired, StateDenied:
		return true
	}
	return false
}

// ImpersonationRequest tracks a time-bounded proposal for an administrator to
// act as another principal. The confirmation token is single-use and is the
// only handle the target principal ever sees.
type ImpersonationRequest struct {
	ID                uuid.UUID
	AdminID           uuid.UUID
	TargetID          uuid.UUID
	State             RequestState
	ConfirmationToken string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the request's expiry window has elapsed
func (r ImpersonationRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
