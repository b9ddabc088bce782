package login

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/notification"
	"github.com/tendant/simple-auth/pkg/ratelimit"
	"github.com/tendant/simple-auth/pkg/tokengenerator"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

const (
	DefaultPendingExpiry   = 5 * time.Minute
	DefaultMaxCodeAttempts = 5
)

// VerificationChallenge is the response to a successful first login stage.
// The caller presents the token together with the out-of-band code to
// complete the login.
type VerificationChallenge struct {
	VerificationToken string    `json:"verification_token"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// LoginService runs the two stage login flow: password check, one-time code
// delivery, code verification and session issuance.
type LoginService struct {
	credentials     CredentialStore
	pending         tokenstore.PendingRepository
	sessions        *tokengenerator.SessionService
	notifier        *notification.NotificationManager
	limiter         *ratelimit.Limiter
	pendingExpiry   time.Duration
	maxCodeAttempts int
	now             func() time.Time
}

// LoginServiceOption is a function that configures a LoginService
type LoginServiceOption func(*LoginService)

// WithPendingExpiry overrides how long a one-time code stays valid
func WithPendingExpiry(expiry time.Duration) LoginServiceOption {
	return func(s *LoginService) {
		s.pendingExpiry = expiry
	}
}

// WithMaxCodeAttempts overrides the wrong-code budget per pending login
func WithMaxCodeAttempts(max int) LoginServiceOption {
	return func(s *LoginService) {
		s.maxCodeAttempts = max
	}
}

// WithRateLimiter enables per-principal rate limiting of first stage attempts
func WithRateLimiter(limiter *ratelimit.Limiter) LoginServiceOption {
	return func(s *LoginService) {
		s.limiter = limiter
	}
}

// WithClock overrides the clock, for tests
func WithClock(now func() time.Time) LoginServiceOption {
	return func(s *LoginService) {
		s.now = now
	}
}

// NewLoginService creates a new LoginService
func NewLoginService(
	credentials CredentialStore,
	pending tokenstore.PendingRepository,
	sessions *tokengenerator.SessionService,
	notifier *notification.NotificationManager,
	options ...LoginServiceOption,
) *LoginService {
	s := &LoginService{
		credentials:     credentials,
		pending:         pending,
		sessions:        sessions,
		notifier:        notifier,
		pendingExpiry:   DefaultPendingExpiry,
		maxCodeAttempts: DefaultMaxCodeAttempts,
		now:             time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// BeginLogin runs the first login stage. On success a one-time code has been
// delivered out of band and the returned challenge token identifies the
// pending verification.
//
// A wrong username and a wrong password produce the same error, so the
// response does not reveal which accounts exist.
func (s *LoginService) BeginLogin(ctx context.Context, username, password string) (VerificationChallenge, error) {
	if s.limiter != nil && !s.limiter.Allow(strings.ToLower(username)) {
		slog.Warn("Login attempt rate limited", "username", username)
		return VerificationChallenge{}, errors.New(errors.ErrCodeRateLimited, "too many login attempts, slow down")
	}

	principal, err := s.credentials.VerifyCredentials(ctx, username, password)
	if err != nil {
		slog.Warn("Failed to verify credentials", "username", username)
		return VerificationChallenge{}, errors.InvalidCredentials()
	}

	now := s.now()
	token := uuid.NewString()

	secret, err := GenerateCodeSecret(principal.ID.String())
	if err != nil {
		slog.Error("Failed to generate code secret", "err", err)
		return VerificationChallenge{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate one-time code")
	}
	code, err := GeneratePasscode(secret, now)
	if err != nil {
		slog.Error("Failed to generate passcode", "err", err)
		return VerificationChallenge{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate one-time code")
	}

	pending := tokenstore.PendingVerification{
		Token:       token,
		PrincipalID: principal.ID,
		CodeHash:    HashPasscode(code),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.pendingExpiry),
	}
	if err := s.pending.CreatePending(ctx, pending); err != nil {
		slog.Error("Failed to create pending verification", "err", err)
		return VerificationChallenge{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to create pending verification")
	}

	err = s.notifier.Send(notification.LoginCodeNotice, notification.NotificationData{
		To: principal.Email,
		Data: map[string]string{
			"Code":     code,
			"Username": principal.Username,
		},
	})
	if err != nil {
		slog.Error("Failed to send login code", "err", err, "principal_id", principal.ID)
		// A pending record whose code never reached the user is useless
		// and would count against the outstanding verification until it
		// expires. Discard it.
		if delErr := s.pending.DeletePending(ctx, token); delErr != nil {
			slog.Error("Failed to delete pending verification", "err", delErr, "token", token)
		}
		return VerificationChallenge{}, errors.NotificationFailed(err)
	}

	slog.Info("Login code sent", "principal_id", principal.ID)
	return VerificationChallenge{
		VerificationToken: token,
		ExpiresAt:         pending.ExpiresAt,
	}, nil
}

// VerifyCode runs the second login stage. A correct code consumes the pending
// verification exactly once and yields a session; concurrent verifications of
// the same token produce at most one session.
func (s *LoginService) VerifyCode(ctx context.Context, token, code string) (tokengenerator.Session, error) {
	pending, err := s.pending.GetPending(ctx, token)
	if err != nil {
		return tokengenerator.Session{}, err
	}

	now := s.now()
	if pending.Consumed {
		return tokengenerator.Session{}, errors.New(errors.ErrCodeAlreadyConsumed, "verification already completed")
	}
	if now.After(pending.ExpiresAt) {
		return tokengenerator.Session{}, errors.New(errors.ErrCodeExpired, "verification code expired")
	}
	if pending.Attempts >= s.maxCodeAttempts {
		return tokengenerator.Session{}, errors.New(errors.ErrCodeTooManyAttempts, "too many failed code attempts")
	}

	if !VerifyPasscode(code, pending.CodeHash) {
		attempts, err := s.pending.RecordFailedAttempt(ctx, token)
		if err != nil {
			slog.Error("Failed to record failed attempt", "err", err, "token", token)
			return tokengenerator.Session{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to record attempt")
		}
		if attempts >= s.maxCodeAttempts {
			return tokengenerator.Session{}, errors.New(errors.ErrCodeTooManyAttempts, "too many failed code attempts")
		}
		return tokengenerator.Session{}, errors.New(errors.ErrCodeInvalidCode, "invalid verification code")
	}

	// The consuming write is compare-and-set: a concurrent verification of
	// the same token fails here rather than minting a second session.
	consumed, err := s.pending.ConsumePending(ctx, token, now)
	if err != nil {
		return tokengenerator.Session{}, err
	}

	session, err := s.sessions.IssueSession(consumed.PrincipalID)
	if err != nil {
		slog.Error("Failed to issue session", "err", err, "principal_id", consumed.PrincipalID)
		return tokengenerator.Session{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to issue session")
	}

	slog.Info("Login verified", "principal_id", consumed.PrincipalID)
	return session, nil
}

// Logout revokes the session token. Revoked tokens fail verification from
// then on even though the JWT itself has not expired.
func (s *LoginService) Logout(ctx context.Context, tokenStr string) error {
	if err := s.sessions.RevokeSession(ctx, tokenStr); err != nil {
		slog.Warn("Failed to revoke session", "err", err)
		return err
	}
	return nil
}
