package impersonate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/iam"
	"github.com/tendant/simple-auth/pkg/notification"
	"github.com/tendant/simple-auth/pkg/tokengenerator"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

const (
	DefaultRequestExpiry = 10 * time.Minute
)

// RequestStatus is the poller-facing view of an impersonation request.
type RequestStatus struct {
	ID        uuid.UUID               `json:"id"`
	State     tokenstore.RequestState `json:"state"`
	TargetID  uuid.UUID               `json:"target_id"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// Service runs the impersonation flow: an admin requests to act as a target
// user, the target confirms out of band, and the admin exchanges the
// confirmed request for an impersonation session exactly once.
type Service struct {
	directory     iam.Directory
	requests      tokenstore.RequestRepository
	sessions      *tokengenerator.SessionService
	notifier      *notification.NotificationManager
	requestExpiry time.Duration

	// maxOutstandingPerTarget caps non-terminal requests against one target
	// principal. Zero means unlimited.
	maxOutstandingPerTarget int

	// confirmBaseURL prefixes the confirmation link placed in the notice.
	confirmBaseURL string

	now func() time.Time
}

// ServiceOption is a function that configures a Service
type ServiceOption func(*Service)

// WithRequestExpiry overrides how long a request waits for confirmation
func WithRequestExpiry(expiry time.Duration) ServiceOption {
	return func(s *Service) {
		s.requestExpiry = expiry
	}
}

// WithMaxOutstandingPerTarget caps concurrent requests per target (0 = unlimited)
func WithMaxOutstandingPerTarget(max int) ServiceOption {
	return func(s *Service) {
		s.maxOutstandingPerTarget = max
	}
}

// WithConfirmBaseURL sets the base URL for confirmation links
func WithConfirmBaseURL(baseURL string) ServiceOption {
	return func(s *Service) {
		s.confirmBaseURL = baseURL
	}
}

// WithClock overrides the clock, for tests
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new impersonation service
func NewService(
	directory iam.Directory,
	requests tokenstore.RequestRepository,
	sessions *tokengenerator.SessionService,
	notifier *notification.NotificationManager,
	options ...ServiceOption,
) *Service {
	s := &Service{
		directory:      directory,
		requests:       requests,
		sessions:       sessions,
		notifier:       notifier,
		requestExpiry:  DefaultRequestExpiry,
		confirmBaseURL: "http://localhost:4000/confirm",
		now:            time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// RequestImpersonation creates a request for the admin to act as the target
// and asks the target to confirm it out of band. The returned request sits in
// awaiting_confirmation until the target confirms, the request expires, or it
// is denied.
func (s *Service) RequestImpersonation(ctx context.Context, adminID, targetID uuid.UUID) (tokenstore.ImpersonationRequest, error) {
	if adminID == targetID {
		return tokenstore.ImpersonationRequest{}, errors.New(errors.ErrCodeInvalidInput, "cannot impersonate yourself")
	}

	isAdmin, err := s.directory.IsAdmin(ctx, adminID)
	if err != nil {
		return tokenstore.ImpersonationRequest{}, err
	}
	if !isAdmin {
		slog.Warn("Impersonation requested by non-admin", "requester_id", adminID)
		return tokenstore.ImpersonationRequest{}, errors.Forbidden("impersonation requires the admin role")
	}

	target, err := s.directory.GetByID(ctx, targetID)
	if err != nil {
		return tokenstore.ImpersonationRequest{}, err
	}

	now := s.now()
	if s.maxOutstandingPerTarget > 0 {
		active, err := s.requests.CountActiveByTarget(ctx, targetID, now)
		if err != nil {
			return tokenstore.ImpersonationRequest{}, err
		}
		if active >= s.maxOutstandingPerTarget {
			slog.Warn("Too many outstanding impersonation requests", "target_id", targetID, "active", active)
			return tokenstore.ImpersonationRequest{}, errors.New(errors.ErrCodeRateLimited, "too many outstanding requests for this user")
		}
	}

	request := tokenstore.ImpersonationRequest{
		ID:                uuid.New(),
		AdminID:           adminID,
		TargetID:          targetID,
		State:             tokenstore.StateCreated,
		ConfirmationToken: uuid.NewString(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.requestExpiry),
	}
	if err := s.requests.CreateRequest(ctx, request); err != nil {
		slog.Error("Failed to create impersonation request", "err", err)
		return tokenstore.ImpersonationRequest{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}

	if err := s.requests.TransitionRequest(ctx, request.ID, tokenstore.StateCreated, tokenstore.StateAwaitingConfirmation); err != nil {
		return tokenstore.ImpersonationRequest{}, err
	}
	request.State = tokenstore.StateAwaitingConfirmation

	admin, err := s.directory.GetByID(ctx, adminID)
	if err != nil {
		return tokenstore.ImpersonationRequest{}, err
	}

	err = s.notifier.Send(notification.ImpersonationConfirmNotice, notification.NotificationData{
		To: target.Email,
		Data: map[string]string{
			"AdminUsername": admin.Username,
			"ConfirmLink":   s.confirmBaseURL + "/" + request.ConfirmationToken,
		},
	})
	if err != nil {
		slog.Error("Failed to send confirmation request", "err", err, "target_id", targetID)
		// The target never heard about the request, so nobody can confirm
		// it. Close it out instead of leaving it to expire.
		if trErr := s.requests.TransitionRequest(ctx, request.ID, tokenstore.StateAwaitingConfirmation, tokenstore.StateDenied); trErr != nil {
			slog.Error("Failed to deny undeliverable request", "err", trErr, "request_id", request.ID)
		}
		return tokenstore.ImpersonationRequest{}, errors.NotificationFailed(err)
	}

	slog.Info("Impersonation requested", "request_id", request.ID, "admin_id", adminID, "target_id", targetID)
	return request, nil
}

// Confirm resolves a confirmation token received out of band. Exactly one
// confirmation succeeds per request.
func (s *Service) Confirm(ctx context.Context, confirmationToken string) (tokenstore.ImpersonationRequest, error) {
	request, err := s.requests.ConfirmByToken(ctx, confirmationToken, s.now())
	if err != nil {
		return tokenstore.ImpersonationRequest{}, err
	}
	slog.Info("Impersonation confirmed", "request_id", request.ID, "target_id", request.TargetID)
	return request, nil
}

// Deny cancels a request the admin no longer wants. Only the requesting
// admin may deny, and only while the request awaits confirmation.
func (s *Service) Deny(ctx context.Context, adminID, requestID uuid.UUID) error {
	request, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if request.AdminID != adminID {
		return errors.Forbidden("request belongs to another admin")
	}
	return s.requests.TransitionRequest(ctx, requestID, tokenstore.StateAwaitingConfirmation, tokenstore.StateDenied)
}

// Status reports the current state of a request to its requesting admin.
// A request past its deadline is reported expired even before the store
// has lazily transitioned it.
func (s *Service) Status(ctx context.Context, adminID, requestID uuid.UUID) (RequestStatus, error) {
	request, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return RequestStatus{}, err
	}
	if request.AdminID != adminID {
		return RequestStatus{}, errors.Forbidden("request belongs to another admin")
	}

	state := request.State
	if request.Expired(s.now()) && !state.Terminal() {
		state = tokenstore.StateExpired
	}

	return RequestStatus{
		ID:        request.ID,
		State:     state,
		TargetID:  request.TargetID,
		ExpiresAt: request.ExpiresAt,
	}, nil
}

// Exchange trades a confirmed request for an impersonation session. The
// exchange happens exactly once; a second exchange fails even under
// concurrent attempts.
func (s *Service) Exchange(ctx context.Context, adminID, requestID uuid.UUID) (tokengenerator.Session, error) {
	request, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return tokengenerator.Session{}, err
	}
	if request.AdminID != adminID {
		return tokengenerator.Session{}, errors.Forbidden("request belongs to another admin")
	}
	if request.Expired(s.now()) && !request.State.Terminal() {
		return tokengenerator.Session{}, errors.New(errors.ErrCodeExpired, "request expired before exchange")
	}

	switch request.State {
	case tokenstore.StateConfirmed:
		// fall through to the compare-and-set below
	case tokenstore.StateExchanged:
		return tokengenerator.Session{}, errors.New(errors.ErrCodeAlreadyExchanged, "request already exchanged")
	case tokenstore.StateExpired:
		return tokengenerator.Session{}, errors.New(errors.ErrCodeExpired, "request expired before exchange")
	case tokenstore.StateDenied:
		return tokengenerator.Session{}, errors.New(errors.ErrCodeDenied, "request was denied")
	default:
		return tokengenerator.Session{}, errors.Forbidden("request is not confirmed")
	}

	// Two racing exchanges contend on this transition and exactly one wins.
	if err := s.requests.TransitionRequest(ctx, requestID, tokenstore.StateConfirmed, tokenstore.StateExchanged); err != nil {
		return tokengenerator.Session{}, err
	}

	session, err := s.sessions.IssueImpersonationSession(request.TargetID, adminID)
	if err != nil {
		slog.Error("Failed to issue impersonation session", "err", err, "request_id", requestID)
		return tokengenerator.Session{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to issue session")
	}

	slog.Info("Impersonation session issued", "request_id", requestID, "admin_id", adminID, "target_id", request.TargetID)
	return session, nil
}
