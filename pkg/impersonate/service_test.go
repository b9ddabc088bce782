package impersonate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/iam"
	"github.com/tendant/simple-auth/pkg/notification"
	"github.com/tendant/simple-auth/pkg/tokengenerator"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type impersonateFixture struct {
	service  *Service
	notifier *notification.MockNotifier
	store    *tokenstore.InMemTokenStore
	sessions *tokengenerator.SessionService
	clock    *fakeClock
	admin    iam.Principal
	target   iam.Principal
	other    iam.Principal
}

func newImpersonateFixture(t *testing.T, options ...ServiceOption) *impersonateFixture {
	t.Helper()

	clock := newFakeClock()
	store := tokenstore.NewInMemTokenStore()
	generator := tokengenerator.NewJwtTokenGenerator("test-secret", "simple-auth-test", "simple-auth-test")
	sessions := tokengenerator.NewSessionService(generator, store)

	mock := &notification.MockNotifier{}
	manager := notification.NewNotificationManager()
	manager.RegisterNotifier(notification.MockSystem, mock)
	err := manager.RegisterNotification(notification.ImpersonationConfirmNotice, notification.MockSystem, notification.NoticeTemplate{
		Subject: "Confirm impersonation",
		Text:    "{{.AdminUsername}} wants to act as you: {{.ConfirmLink}}",
	})
	require.NoError(t, err)

	admin := iam.Principal{ID: uuid.New(), Username: "root", Email: "root@example.com", Roles: []string{iam.AdminRole}}
	target := iam.Principal{ID: uuid.New(), Username: "alice", Email: "alice@example.com"}
	other := iam.Principal{ID: uuid.New(), Username: "audit", Email: "audit@example.com", Roles: []string{iam.AdminRole}}

	directory := iam.NewInMemoryDirectory()
	directory.Add(admin)
	directory.Add(target)
	directory.Add(other)

	options = append([]ServiceOption{WithClock(clock.Now)}, options...)
	service := NewService(directory, store, sessions, manager, options...)

	return &impersonateFixture{
		service:  service,
		notifier: mock,
		store:    store,
		sessions: sessions,
		clock:    clock,
		admin:    admin,
		target:   target,
		other:    other,
	}
}

// sentConfirmToken extracts the confirmation token from the link in the most
// recent notification.
func (f *impersonateFixture) sentConfirmToken(t *testing.T) string {
	t.Helper()
	last, err := f.notifier.Last()
	require.NoError(t, err)
	link := last.Data["ConfirmLink"]
	require.NotEmpty(t, link)
	parts := strings.Split(link, "/")
	return parts[len(parts)-1]
}

func TestRequestImpersonation(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesAwaitingRequestAndNotifiesTarget", func(t *testing.T) {
		f := newImpersonateFixture(t)

		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		assert.NoError(t, err)
		assert.Equal(t, tokenstore.StateAwaitingConfirmation, request.State)
		assert.Equal(t, f.admin.ID, request.AdminID)
		assert.Equal(t, f.target.ID, request.TargetID)

		last, err := f.notifier.Last()
		assert.NoError(t, err)
		assert.Equal(t, "alice@example.com", last.To)
		assert.Contains(t, last.Data["ConfirmLink"], request.ConfirmationToken)
	})

	t.Run("SelfImpersonationRejected", func(t *testing.T) {
		f := newImpersonateFixture(t)

		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.admin.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
	})

	t.Run("NonAdminForbidden", func(t *testing.T) {
		f := newImpersonateFixture(t)

		_, err := f.service.RequestImpersonation(ctx, f.target.ID, f.admin.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	})

	t.Run("UnknownTargetNotFound", func(t *testing.T) {
		f := newImpersonateFixture(t)

		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, uuid.New())
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})

	t.Run("OutstandingCapEnforced", func(t *testing.T) {
		f := newImpersonateFixture(t, WithMaxOutstandingPerTarget(1))

		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		_, err = f.service.RequestImpersonation(ctx, f.other.ID, f.target.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	})

	t.Run("CapFreesUpWhenRequestExpires", func(t *testing.T) {
		f := newImpersonateFixture(t, WithMaxOutstandingPerTarget(1), WithRequestExpiry(10*time.Minute))

		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)

		_, err = f.service.RequestImpersonation(ctx, f.other.ID, f.target.ID)
		assert.NoError(t, err)
	})

	t.Run("NotifierFailureDeniesRequest", func(t *testing.T) {
		f := newImpersonateFixture(t)
		f.notifier.FailWith = assert.AnError

		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotificationFailed))
	})
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("ConfirmsExactlyOnce", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		confirmed, err := f.service.Confirm(ctx, f.sentConfirmToken(t))
		assert.NoError(t, err)
		assert.Equal(t, request.ID, confirmed.ID)
		assert.Equal(t, tokenstore.StateConfirmed, confirmed.State)

		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyConsumed))
	})

	t.Run("ExpiredRequestCannotBeConfirmed", func(t *testing.T) {
		f := newImpersonateFixture(t, WithRequestExpiry(10*time.Minute))
		_, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)

		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
	})

	t.Run("UnknownTokenRejected", func(t *testing.T) {
		f := newImpersonateFixture(t)

		_, err := f.service.Confirm(ctx, "no-such-token")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestDeny(t *testing.T) {
	ctx := context.Background()

	t.Run("AdminCancelsOwnRequest", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		assert.NoError(t, f.service.Deny(ctx, f.admin.ID, request.ID))

		status, err := f.service.Status(ctx, f.admin.ID, request.ID)
		assert.NoError(t, err)
		assert.Equal(t, tokenstore.StateDenied, status.State)
	})

	t.Run("OtherAdminCannotDeny", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		err = f.service.Deny(ctx, f.other.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	})

	t.Run("ConfirmedRequestCannotBeDenied", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		err = f.service.Deny(ctx, f.admin.ID, request.ID)
		assert.Error(t, err)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("ReportsAwaitingThenConfirmed", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		status, err := f.service.Status(ctx, f.admin.ID, request.ID)
		assert.NoError(t, err)
		assert.Equal(t, tokenstore.StateAwaitingConfirmation, status.State)

		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		status, err = f.service.Status(ctx, f.admin.ID, request.ID)
		assert.NoError(t, err)
		assert.Equal(t, tokenstore.StateConfirmed, status.State)
	})

	t.Run("ReportsExpiredPastDeadline", func(t *testing.T) {
		f := newImpersonateFixture(t, WithRequestExpiry(10*time.Minute))
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)

		status, err := f.service.Status(ctx, f.admin.ID, request.ID)
		assert.NoError(t, err)
		assert.Equal(t, tokenstore.StateExpired, status.State)
	})

	t.Run("OtherAdminForbidden", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		_, err = f.service.Status(ctx, f.other.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	})
}

func TestExchange(t *testing.T) {
	ctx := context.Background()

	t.Run("ConfirmedRequestYieldsImpersonationSession", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)
		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		session, err := f.service.Exchange(ctx, f.admin.ID, request.ID)
		assert.NoError(t, err)
		assert.Equal(t, f.target.ID, session.PrincipalID)
		assert.True(t, session.Impersonated())
		require.NotNil(t, session.ActingAs)
		require.NotNil(t, session.IssuerID)
		assert.Equal(t, f.target.ID, *session.ActingAs)
		assert.Equal(t, f.admin.ID, *session.IssuerID)

		// The token itself carries the provenance claims.
		verified, err := f.sessions.VerifySession(ctx, session.Token)
		assert.NoError(t, err)
		assert.True(t, verified.Impersonated())
		assert.Equal(t, f.admin.ID, *verified.IssuerID)
	})

	t.Run("SecondExchangeFails", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)
		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		_, err = f.service.Exchange(ctx, f.admin.ID, request.ID)
		require.NoError(t, err)

		_, err = f.service.Exchange(ctx, f.admin.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExchanged))
	})

	t.Run("UnconfirmedRequestCannotBeExchanged", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)

		_, err = f.service.Exchange(ctx, f.admin.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	})

	t.Run("ExpiredRequestCannotBeExchanged", func(t *testing.T) {
		f := newImpersonateFixture(t, WithRequestExpiry(10*time.Minute))
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)
		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)

		_, err = f.service.Exchange(ctx, f.admin.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
	})

	t.Run("OtherAdminCannotExchange", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)
		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		_, err = f.service.Exchange(ctx, f.other.ID, request.ID)
		assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
	})

	t.Run("RacingExchangesExactlyOneWins", func(t *testing.T) {
		f := newImpersonateFixture(t)
		request, err := f.service.RequestImpersonation(ctx, f.admin.ID, f.target.ID)
		require.NoError(t, err)
		_, err = f.service.Confirm(ctx, f.sentConfirmToken(t))
		require.NoError(t, err)

		const racers = 8
		results := make(chan error, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.service.Exchange(ctx, f.admin.ID, request.ID)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			}
		}
		assert.Equal(t, 1, wins)
	})
}
