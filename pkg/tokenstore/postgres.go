package tokenstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tendant/simple-auth/pkg/errors"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresTokenStore implements Store using PostgreSQL. State transitions are
// conditional UPDATEs, so the compare-and-set discipline holds across
// concurrent connections without advisory locks.
type PostgresTokenStore struct {
	db DBTX
}

// NewPostgresTokenStore creates a new PostgreSQL token store
func NewPostgresTokenStore(db DBTX) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// CreatePending stores a new pending verification
func (s *PostgresTokenStore) CreatePending(ctx context.Context, pending PendingVerification) error {
	query := `
		INSERT INTO pending_verification (
			token, principal_id, code_hash, attempts, created_at, expires_at, consumed
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		pending.Token, pending.PrincipalID, pending.CodeHash,
		pending.Attempts, pending.CreatedAt, pending.ExpiresAt, pending.Consumed)
	if err != nil {
		slog.Error("Failed to create pending verification", "err", err)
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create pending verification")
	}
	return nil
}

// GetPending retrieves a pending verification by token
func (s *PostgresTokenStore) GetPending(ctx context.Context, token string) (PendingVerification, error) {
	query := `
		SELECT token, principal_id, code_hash, attempts, created_at, expires_at, consumed
		FROM pending_verification
		WHERE token = $1`
	var pending PendingVerification
	err := s.db.QueryRow(ctx, query, token).Scan(
		&pending.Token, &pending.PrincipalID, &pending.CodeHash,
		&pending.Attempts, &pending.CreatedAt, &pending.ExpiresAt, &pending.Consumed)
	if err == pgx.ErrNoRows {
		return PendingVerification{}, errors.NotFound("pending verification", "token")
	}
	if err != nil {
		return PendingVerification{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending verification")
	}
	return pending, nil
}

// ConsumePending marks a pending verification consumed exactly once
func (s *PostgresTokenStore) ConsumePending(ctx context.Context, token string, now time.Time) (PendingVerification, error) {
	// Conditional UPDATE so two racing consumers cannot both succeed
	query := `
		UPDATE pending_verification
		SET consumed = TRUE
		WHERE token = $1 AND consumed = FALSE AND expires_at >= $2
		RETURNING token, principal_id, code_hash, attempts, created_at, expires_at, consumed`
	var pending PendingVerification
	err := s.db.QueryRow(ctx, query, token, now).Scan(
		&pending.Token, &pending.PrincipalID, &pending.CodeHash,
		&pending.Attempts, &pending.CreatedAt, &pending.ExpiresAt, &pending.Consumed)
	if err == pgx.ErrNoRows {
		// Inspect the row to report the precise failure
		existing, getErr := s.GetPending(ctx, token)
		if getErr != nil {
			return PendingVerification{}, getErr
		}
		if existing.Consumed {
			return PendingVerification{}, errors.New(errors.ErrCodeAlreadyConsumed, "pending verification already consumed")
		}
		return PendingVerification{}, errors.New(errors.ErrCodeExpired, "pending verification expired")
	}
	if err != nil {
		return PendingVerification{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to consume pending verification")
	}
	return pending, nil
}

// RecordFailedAttempt increments the wrong-code counter
func (s *PostgresTokenStore) RecordFailedAttempt(ctx context.Context, token string) (int, error) {
	query := `
		UPDATE pending_verification
		SET attempts = attempts + 1
		WHERE token = $1
		RETURNING attempts`
	var attempts int
	err := s.db.QueryRow(ctx, query, token).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, errors.NotFound("pending verification", "token")
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to record attempt")
	}
	return attempts, nil
}

// DeletePending removes a pending verification
func (s *PostgresTokenStore) DeletePending(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pending_verification WHERE token = $1`, token)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete pending verification")
	}
	return nil
}

// PurgeExpiredPending removes pending verifications past their expiry
func (s *PostgresTokenStore) PurgeExpiredPending(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_verification WHERE expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge pending verifications")
	}
	return int(tag.RowsAffected()), nil
}

// CreateRequest stores a new impersonation request
func (s *PostgresTokenStore) CreateRequest(ctx context.Context, request ImpersonationRequest) error {
	query := `
		INSERT INTO impersonation_request (
			id, admin_id, target_id, state, confirmation_token, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		request.ID, request.AdminID, request.TargetID, string(request.State),
		request.ConfirmationToken, request.CreatedAt, request.ExpiresAt)
	if err != nil {
		slog.Error("Failed to create impersonation request", "requestID", request.ID, "err", err)
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create impersonation request")
	}
	return nil
}

// GetRequest retrieves an impersonation request by id
func (s *PostgresTokenStore) GetRequest(ctx context.Context, id uuid.UUID) (ImpersonationRequest, error) {
	query := `
		SELECT id, admin_id, target_id, state, confirmation_token, created_at, expires_at
		FROM impersonation_request
		WHERE id = $1`
	var request ImpersonationRequest
	var state string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&request.ID, &request.AdminID, &request.TargetID, &state,
		&request.ConfirmationToken, &request.CreatedAt, &request.ExpiresAt)
	if err == pgx.ErrNoRows {
		return ImpersonationRequest{}, errors.NotFound("impersonation request", id.String())
	}
	if err != nil {
		return ImpersonationRequest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to get impersonation request")
	}
	request.State = RequestState(state)
	return request, nil
}

// CountActiveByTarget counts unexpired, non-terminal requests for a target
func (s *PostgresTokenStore) CountActiveByTarget(ctx context.Context, targetID uuid.UUID, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM impersonation_request
		WHERE target_id = $1 AND expires_at >= $2 AND state NOT IN ($3, $4, $5)`
	var count int
	err := s.db.QueryRow(ctx, query, targetID, now,
		string(StateExchanged), string(StateExpired), string(StateDenied)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count impersonation requests")
	}
	return count, nil
}

// TransitionRequest applies a compare-and-set state transition
func (s *PostgresTokenStore) TransitionRequest(ctx context.Context, id uuid.UUID, from, to RequestState) error {
	query := `
		UPDATE impersonation_request
		SET state = $1
		WHERE id = $2 AND state = $3`
	tag, err := s.db.Exec(ctx, query, string(to), id, string(from))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to transition impersonation request")
	}
	if tag.RowsAffected() == 0 {
		request, getErr := s.GetRequest(ctx, id)
		if getErr != nil {
			return getErr
		}
		return stateConflictError(request.State)
	}
	return nil
}

// ConfirmByToken resolves a confirmation token and confirms its request once
func (s *PostgresTokenStore) ConfirmByToken(ctx context.Context, confirmationToken string, now time.Time) (ImpersonationRequest, error) {
	query := `
		UPDATE impersonation_request
		SET state = $1
		WHERE confirmation_token = $2 AND state = $3 AND expires_at >= $4
		RETURNING id, admin_id, target_id, state, confirmation_token, created_at, expires_at`
	var request ImpersonationRequest
	var state string
	err := s.db.QueryRow(ctx, query,
		string(StateConfirmed), confirmationToken, string(StateAwaitingConfirmation), now).Scan(
		&request.ID, &request.AdminID, &request.TargetID, &state,
		&request.ConfirmationToken, &request.CreatedAt, &request.ExpiresAt)
	if err == nil {
		request.State = RequestState(state)
		return request, nil
	}
	if err != pgx.ErrNoRows {
		return ImpersonationRequest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to confirm impersonation request")
	}

	// The CAS failed; look up the request to report why
	lookup := `
		SELECT id, state, expires_at FROM impersonation_request WHERE confirmation_token = $1`
	var id uuid.UUID
	var expiresAt time.Time
	err = s.db.QueryRow(ctx, lookup, confirmationToken).Scan(&id, &state, &expiresAt)
	if err == pgx.ErrNoRows {
		return ImpersonationRequest{}, errors.NotFound("impersonation request", "confirmation token")
	}
	if err != nil {
		return ImpersonationRequest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up confirmation token")
	}
	current := RequestState(state)
	if now.After(expiresAt) && !current.Terminal() {
		return ImpersonationRequest{}, errors.New(errors.ErrCodeExpired, "impersonation request expired")
	}
	if current == StateConfirmed || current == StateExchanged {
		return ImpersonationRequest{}, errors.New(errors.ErrCodeAlreadyConsumed, "confirmation token already used")
	}
	return ImpersonationRequest{}, stateConflictError(current)
}

// PurgeExpiredRequests removes requests past their expiry window
func (s *PostgresTokenStore) PurgeExpiredRequests(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM impersonation_request WHERE expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge impersonation requests")
	}
	return int(tag.RowsAffected()), nil
}

// RevokeSession records a session token id as destroyed
func (s *PostgresTokenStore) RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error {
	query := `
		INSERT INTO session_revocation (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`
	_, err := s.db.Exec(ctx, query, jti, expiresAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke session")
	}
	return nil
}

// IsSessionRevoked reports whether a session token id has been revoked
func (s *PostgresTokenStore) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM session_revocation WHERE jti = $1)`, jti).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check session revocation")
	}
	return exists, nil
}
