package tokenstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/errors"
)

// InMemTokenStore implements Store using in-memory maps. A single mutex
// serializes all mutations, which gives the per-key ordering the
// compare-and-set methods rely on.
type InMemTokenStore struct {
	mu           sync.Mutex
	pending      map[string]PendingVerification
	requests     map[uuid.UUID]ImpersonationRequest
	confirmIndex map[string]uuid.UUID
	revoked      map[string]time.Time
}

// NewInMemTokenStore creates a new in-memory token store
func NewInMemTokenStore() *InMemTokenStore {
	return &InMemTokenStore{
		pending:      make(map[string]PendingVerification),
		requests:     make(map[uuid.UUID]ImpersonationRequest),
		confirmIndex: make(map[string]uuid.UUID),
		revoked:      make(map[string]time.Time),
	}
}

// CreatePending stores a new pending verification
func (s *InMemTokenStore) CreatePending(ctx context.Context, pending PendingVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[pending.Token]; exists {
		return errors.New(errors.ErrCodeInternal, "pending verification token collision")
	}
	s.pending[pending.Token] = pending
	slog.Debug("Pending verification created", "principalID", pending.PrincipalID)
	return nil
}

// GetPending retrieves a pending verification by token
func (s *InMemTokenStore) GetPending(ctx context.Context, token string) (PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, exists := s.pending[token]
	if !exists {
		return PendingVerification{}, errors.NotFound("pending verification", "token")
	}
	return pending, nil
}

// ConsumePending marks a pending verification consumed exactly once
func (s *InMemTokenStore) ConsumePending(ctx context.Context, token string, now time.Time) (PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, exists := s.pending[token]
	if !exists {
		return PendingVerification{}, errors.NotFound("pending verification", "token")
	}
	if pending.Consumed {
		return PendingVerification{}, errors.New(errors.ErrCodeAlreadyConsumed, "pending verification already consumed")
	}
	if now.After(pending.ExpiresAt) {
		return PendingVerification{}, errors.New(errors.ErrCodeExpired, "pending verification expired")
	}

	pending.Consumed = true
	s.pending[token] = pending
	return pending, nil
}

// RecordFailedAttempt increments the wrong-code counter
func (s *InMemTokenStore) RecordFailedAttempt(ctx context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, exists := s.pending[token]
	if !exists {
		return 0, errors.NotFound("pending verification", "token")
	}
	pending.Attempts++
	s.pending[token] = pending
	return pending.Attempts, nil
}

// DeletePending removes a pending verification
func (s *InMemTokenStore) DeletePending(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, token)
	return nil
}

// PurgeExpiredPending removes pending verifications past their expiry
func (s *InMemTokenStore) PurgeExpiredPending(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for token, pending := range s.pending {
		if now.After(pending.ExpiresAt) {
			delete(s.pending, token)
			purged++
		}
	}
	if purged > 0 {
		slog.Debug("Purged expired pending verifications", "count", purged)
	}
	return purged, nil
}

// CreateRequest stores a new impersonation request
func (s *InMemTokenStore) CreateRequest(ctx context.Context, request ImpersonationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[request.ID]; exists {
		return errors.New(errors.ErrCodeInternal, "impersonation request id collision")
	}
	s.requests[request.ID] = request
	if request.ConfirmationToken != "" {
		s.confirmIndex[request.ConfirmationToken] = request.ID
	}
	slog.Debug("Impersonation request created", "requestID", request.ID, "adminID", request.AdminID, "targetID", request.TargetID)
	return nil
}

// GetRequest retrieves an impersonation request by id
func (s *InMemTokenStore) GetRequest(ctx context.Context, id uuid.UUID) (ImpersonationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, exists := s.requests[id]
	if !exists {
		return ImpersonationRequest{}, errors.NotFound("impersonation request", id.String())
	}
	return request, nil
}

// CountActiveByTarget counts unexpired, non-terminal requests for a target
func (s *InMemTokenStore) CountActiveByTarget(ctx context.Context, targetID uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, request := range s.requests {
		if request.TargetID == targetID && !request.State.Terminal() && !request.Expired(now) {
			count++
		}
	}
	return count, nil
}

// TransitionRequest applies a compare-and-set state transition
func (s *InMemTokenStore) TransitionRequest(ctx context.Context, id uuid.UUID, from, to RequestState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, exists := s.requests[id]
	if !exists {
		return errors.NotFound("impersonation request", id.String())
	}
	if request.State != from {
		return stateConflictError(request.State)
	}

	request.State = to
	s.requests[id] = request
	slog.Debug("Impersonation request transitioned", "requestID", id, "from", from, "to", to)
	return nil
}

// ConfirmByToken resolves a confirmation token and confirms its request once
func (s *InMemTokenStore) ConfirmByToken(ctx context.Context, confirmationToken string, now time.Time) (ImpersonationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.confirmIndex[confirmationToken]
	if !exists {
		return ImpersonationRequest{}, errors.NotFound("impersonation request", "confirmation token")
	}
	request := s.requests[id]

	switch {
	case request.Expired(now) && !request.State.Terminal():
		request.State = StateExpired
		s.requests[id] = request
		return ImpersonationRequest{}, errors.New(errors.ErrCodeExpired, "impersonation request expired")
	case request.State == StateConfirmed || request.State == StateExchanged:
		return ImpersonationRequest{}, errors.New(errors.ErrCodeAlreadyConsumed, "confirmation token already used")
	case request.State != StateAwaitingConfirmation:
		return ImpersonationRequest{}, stateConflictError(request.State)
	}

	request.State = StateConfirmed
	s.requests[id] = request
	slog.Debug("Impersonation request confirmed", "requestID", id)
	return request, nil
}

// PurgeExpiredRequests removes requests past their expiry window
func (s *InMemTokenStore) PurgeExpiredRequests(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, request := range s.requests {
		if request.Expired(now) {
			delete(s.requests, id)
			delete(s.confirmIndex, request.ConfirmationToken)
			purged++
		}
	}
	if purged > 0 {
		slog.Debug("Purged expired impersonation requests", "count", purged)
	}
	return purged, nil
}

// RevokeSession records a session token id as destroyed
func (s *InMemTokenStore) RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[jti] = expiresAt
	return nil
}

// IsSessionRevoked reports whether a session token id has been revoked
func (s *InMemTokenStore) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, revoked := s.revoked[jti]
	return revoked, nil
}

// stateConflictError maps an unexpected current state to the conflict code the
// caller should see
func stateConflictError(current RequestState) *errors.Error {
	switch current {
	case StateExchanged:
		return errors.New(errors.ErrCodeAlreadyExchanged, "impersonation request already exchanged")
	case StateConfirmed:
		return errors.New(errors.ErrCodeAlreadyConsumed, "impersonation request already confirmed")
	case StateExpired:
		return errors.New(errors.ErrCodeExpired, "impersonation request expired")
	case StateDenied:
		return errors.New(errors.ErrCodeDenied, "impersonation request denied")
	default:
		return errors.Newf(errors.ErrCodeForbidden, "impersonation request in state %s", current)
	}
}
