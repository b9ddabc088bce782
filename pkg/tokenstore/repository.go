package tokenstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingRepository defines the lifecycle operations for pending verifications.
// All mutation goes through these methods; callers never write records
// directly, which is what keeps concurrent verification attempts from racing.
type PendingRepository interface {
	CreatePending(ctx context.Context, pending PendingVerification) error
	GetPending(ctx context.Context, token string) (PendingVerification, error)

	// ConsumePending marks the pending verification consumed exactly once.
	// Fails with ErrCodeNotFound, ErrCodeAlreadyConsumed or ErrCodeExpired.
	ConsumePending(ctx context.Context, token string, now time.Time) (PendingVerification, error)

	// RecordFailedAttempt increments the wrong-code counter and returns the
	// new count.
	RecordFailedAttempt(ctx context.Context, token string) (int, error)

	DeletePending(ctx context.Context, token string) error
	PurgeExpiredPending(ctx context.Context, now time.Time) (int, error)
}

// RequestRepository defines the lifecycle operations for impersonation
// requests. State changes are compare-and-set: a transition names the state it
// expects to leave, and fails if the request has moved on.
type RequestRepository interface {
	CreateRequest(ctx context.Context, request ImpersonationRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (ImpersonationRequest, error)

	// CountActiveByTarget counts unexpired, non-terminal requests against a
	// target principal.
	CountActiveByTarget(ctx context.Context, targetID uuid.UUID, now time.Time) (int, error)

	// TransitionRequest moves the request from one state to another. Fails
	// with ErrCodeNotFound if the id is unknown, or a conflict code if the
	// current state is not the expected one.
	TransitionRequest(ctx context.Context, id uuid.UUID, from, to RequestState) error

	// ConfirmByToken resolves a confirmation token to its request and moves it
	// awaiting_confirmation -> confirmed exactly once. Fails with
	// ErrCodeNotFound, ErrCodeExpired or ErrCodeAlreadyConsumed. Two racing
	// confirmations observe exactly one success.
	ConfirmByToken(ctx context.Context, confirmationToken string, now time.Time) (ImpersonationRequest, error)

	PurgeExpiredRequests(ctx context.Context, now time.Time) (int, error)
}

// SessionRevocations records session tokens destroyed before their natural
// expiry (explicit logout).
type SessionRevocations interface {
	RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error
	IsSessionRevoked(ctx context.Context, jti string) (bool, error)
}

// Store is the full token store surface: pending verifications, impersonation
// requests and session revocations.
type Store interface {
	PendingRepository
	RequestRepository
	SessionRevocations
}
