package tokengenerator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

// Session is the verified content of a session token. ActingAs and IssuerID
// are both set for impersonation sessions and both nil otherwise; no other
// combination is ever issued.
type Session struct {
	Token       string
	JTI         string
	PrincipalID uuid.UUID
	ActingAs    *uuid.UUID
	IssuerID    *uuid.UUID
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Impersonated reports whether this session was issued through a delegated
// exchange rather than a direct login
func (s Session) Impersonated() bool {
	return s.ActingAs != nil && s.IssuerID != nil
}

// SessionService issues and verifies session tokens. Tokens are opaque to
// every caller; only this service reads their internal structure.
type SessionService struct {
	generator   TokenGenerator
	revocations tokenstore.SessionRevocations
	expiry      time.Duration
	now         func() time.Time
}

// SessionServiceOption is a function that configures a SessionService
type SessionServiceOption func(*SessionService)

// WithSessionExpiry sets the session token expiry duration
func WithSessionExpiry(expiry time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.expiry = expiry
	}
}

// WithClock overrides the clock, for tests
func WithClock(now func() time.Time) SessionServiceOption {
	return func(s *SessionService) {
		s.now = now
	}
}

// NewSessionService creates a new SessionService
func NewSessionService(generator TokenGenerator, revocations tokenstore.SessionRevocations, options ...SessionServiceOption) *SessionService {
	s := &SessionService{
		generator:   generator,
		revocations: revocations,
		expiry:      DefaultSessionTokenExpiry,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// IssueSession issues a session token for a directly authenticated principal
func (s *SessionService) IssueSession(principalID uuid.UUID) (Session, error) {
	return s.issue(principalID, nil, nil)
}

// IssueImpersonationSession issues a session token scoped to the target
// principal, carrying the administrator's identity for audit
func (s *SessionService) IssueImpersonationSession(targetID, adminID uuid.UUID) (Session, error) {
	return s.issue(targetID, &targetID, &adminID)
}

func (s *SessionService) issue(subject uuid.UUID, actingAs, issuerID *uuid.UUID) (Session, error) {
	var extraClaims map[string]interface{}
	if actingAs != nil && issuerID != nil {
		extraClaims = map[string]interface{}{
			"acting_as": actingAs.String(),
			"issuer_id": issuerID.String(),
		}
	}

	tokenStr, expiresAt, err := s.generator.GenerateToken(subject.String(), s.expiry, extraClaims)
	if err != nil {
		slog.Error("Failed to issue session token", "err", err)
		return Session{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to issue session token")
	}
	return Session{
		Token:       tokenStr,
		PrincipalID: subject,
		ActingAs:    actingAs,
		IssuerID:    issuerID,
		IssuedAt:    s.now(),
		ExpiresAt:   expiresAt,
	}, nil
}

// VerifySession parses a session token, validates its signature and expiry,
// and checks it has not been revoked
func (s *SessionService) VerifySession(ctx context.Context, tokenStr string) (Session, error) {
	session, err := s.parse(tokenStr)
	if err != nil {
		return Session{}, err
	}

	revoked, err := s.revocations.IsSessionRevoked(ctx, session.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, errors.New(errors.ErrCodeExpired, "session has been revoked")
	}
	return session, nil
}

// RevokeSession destroys a session token before its natural expiry
func (s *SessionService) RevokeSession(ctx context.Context, tokenStr string) error {
	session, err := s.parse(tokenStr)
	if err != nil {
		return err
	}
	return s.revocations.RevokeSession(ctx, session.JTI, session.ExpiresAt)
}

func (s *SessionService) parse(tokenStr string) (Session, error) {
	token, err := s.generator.ParseToken(tokenStr)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, errors.New(errors.ErrCodeExpired, "session token expired")
		}
		return Session{}, errors.Wrap(err, errors.ErrCodeInvalidCredentials, "invalid session token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Session{}, errors.New(errors.ErrCodeInvalidCredentials, "invalid session token claims")
	}

	principalID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Session{}, errors.New(errors.ErrCodeInvalidCredentials, "invalid session subject")
	}

	session := Session{
		Token:       tokenStr,
		JTI:         claims.ID,
		PrincipalID: principalID,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}

	// Provenance claims are both present or both absent
	if (claims.ActingAs == "") != (claims.IssuerID == "") {
		return Session{}, errors.New(errors.ErrCodeInvalidCredentials, "inconsistent impersonation claims")
	}
	if claims.ActingAs != "" {
		actingAs, err := uuid.Parse(claims.ActingAs)
		if err != nil {
			return Session{}, errors.New(errors.ErrCodeInvalidCredentials, "invalid acting_as claim")
		}
		issuerID, err := uuid.Parse(claims.IssuerID)
		if err != nil {
			return Session{}, errors.New(errors.ErrCodeInvalidCredentials, "invalid issuer_id claim")
		}
		session.ActingAs = &actingAs
		session.IssuerID = &issuerID
	}
	return session, nil
}
