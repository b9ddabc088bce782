package login

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/iam"
	"github.com/tendant/simple-auth/pkg/notification"
	"github.com/tendant/simple-auth/pkg/ratelimit"
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

type loginFixture struct {
	service   *LoginService
	notifier  *notification.MockNotifier
	store     *tokenstore.InMemTokenStore
	sessions  *tokengenerator.SessionService
	clock     *fakeClock
	principal iam.Principal
	password  string
}

func newLoginFixture(t *testing.T, options ...LoginServiceOption) *loginFixture {
	t.Helper()

	clock := newFakeClock()
	store := tokenstore.NewInMemTokenStore()
	generator := tokengenerator.NewJwtTokenGenerator("test-secret", "simple-auth-test", "simple-auth-test")
	sessions := tokengenerator.NewSessionService(generator, store)

	mock := &notification.MockNotifier{}
	manager := notification.NewNotificationManager()
	manager.RegisterNotifier(notification.MockSystem, mock)
	err := manager.RegisterNotification(notification.LoginCodeNotice, notification.MockSystem, notification.NoticeTemplate{
		Subject: "Your login code",
		Text:    "Your code is {{.Code}}",
	})
	require.NoError(t, err)

	principal := iam.Principal{
		ID:       uuid.New(),
		Username: "alice",
		Email:    "alice@example.com",
	}
	creds := NewInMemCredentialStore()
	require.NoError(t, creds.Seed(principal, "correct horse"))

	options = append([]LoginServiceOption{WithClock(clock.Now)}, options...)
	service := NewLoginService(creds, store, sessions, manager, options...)

	return &loginFixture{
		service:   service,
		notifier:  mock,
		store:     store,
		sessions:  sessions,
		clock:     clock,
		principal: principal,
		password:  "correct horse",
	}
}

// sentCode extracts the one-time code from the most recent notification.
func (f *loginFixture) sentCode(t *testing.T) string {
	t.Helper()
	last, err := f.notifier.Last()
	assert.NoError(t, err)
	return last.Data["Code"]
}

// wrongCode returns a six digit code guaranteed to differ from the given one.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestBeginLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversCodeAndReturnsChallenge", func(t *testing.T) {
		f := newLoginFixture(t)

		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		assert.NoError(t, err)
		assert.NotEmpty(t, challenge.VerificationToken)
		assert.True(t, challenge.ExpiresAt.After(f.clock.Now()))

		last, err := f.notifier.Last()
		assert.NoError(t, err)
		assert.Equal(t, "alice@example.com", last.To)
		assert.Len(t, last.Data["Code"], 6)
	})

	t.Run("WrongPasswordRejected", func(t *testing.T) {
		f := newLoginFixture(t)

		_, err := f.service.BeginLogin(ctx, "alice", "wrong password")
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidCredentials))
		assert.Empty(t, f.notifier.SentNotifications)
	})

	t.Run("UnknownUsernameGetsSameError", func(t *testing.T) {
		f := newLoginFixture(t)

		_, err := f.service.BeginLogin(ctx, "nobody", f.password)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidCredentials))
	})

	t.Run("UsernameIsCaseInsensitive", func(t *testing.T) {
		f := newLoginFixture(t)

		_, err := f.service.BeginLogin(ctx, "ALICE", f.password)
		assert.NoError(t, err)
	})

	t.Run("RateLimitedAfterBurst", func(t *testing.T) {
		clock := newFakeClock()
		limiter := ratelimit.NewLimiter(2, 0.01, 0, ratelimit.WithClock(clock.Now))
		f := newLoginFixture(t, WithRateLimiter(limiter))

		_, err := f.service.BeginLogin(ctx, "alice", f.password)
		assert.NoError(t, err)
		_, err = f.service.BeginLogin(ctx, "alice", f.password)
		assert.NoError(t, err)

		_, err = f.service.BeginLogin(ctx, "alice", f.password)
		assert.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	})

	t.Run("NotifierFailureReported", func(t *testing.T) {
		f := newLoginFixture(t)
		f.notifier.FailWith = assert.AnError

		_, err := f.service.BeginLogin(ctx, "alice", f.password)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotificationFailed))
	})
}

func TestVerifyCode(t *testing.T) {
	ctx := context.Background()

	t.Run("CorrectCodeIssuesSession", func(t *testing.T) {
		f := newLoginFixture(t)
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)

		session, err := f.service.VerifyCode(ctx, challenge.VerificationToken, f.sentCode(t))
		assert.NoError(t, err)
		assert.Equal(t, f.principal.ID, session.PrincipalID)
		assert.False(t, session.Impersonated())
		assert.NotEmpty(t, session.Token)
	})

	t.Run("SecondVerificationFails", func(t *testing.T) {
		f := newLoginFixture(t)
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)
		code := f.sentCode(t)

		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, code)
		require.NoError(t, err)

		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, code)
		assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyConsumed))
	})

	t.Run("WrongCodeRejectedThenCorrectCodeAccepted", func(t *testing.T) {
		f := newLoginFixture(t)
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)
		code := f.sentCode(t)

		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, wrongCode(code))
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidCode))

		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, code)
		assert.NoError(t, err)
	})

	t.Run("AttemptBudgetExhausted", func(t *testing.T) {
		f := newLoginFixture(t, WithMaxCodeAttempts(3))
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)
		code := f.sentCode(t)

		for i := 0; i < 2; i++ {
			_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, wrongCode(code))
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidCode))
		}

		// Third wrong code exhausts the budget.
		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, wrongCode(code))
		assert.True(t, errors.IsCode(err, errors.ErrCodeTooManyAttempts))

		// Even the correct code is refused now.
		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, code)
		assert.True(t, errors.IsCode(err, errors.ErrCodeTooManyAttempts))
	})

	t.Run("ExpiredCodeRejected", func(t *testing.T) {
		f := newLoginFixture(t, WithPendingExpiry(5*time.Minute))
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)
		code := f.sentCode(t)

		f.clock.Advance(6 * time.Minute)

		_, err = f.service.VerifyCode(ctx, challenge.VerificationToken, code)
		assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
	})

	t.Run("UnknownTokenRejected", func(t *testing.T) {
		f := newLoginFixture(t)

		_, err := f.service.VerifyCode(ctx, "no-such-token", "123456")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("RevokedSessionFailsVerification", func(t *testing.T) {
		f := newLoginFixture(t)
		challenge, err := f.service.BeginLogin(ctx, "alice", f.password)
		require.NoError(t, err)

		session, err := f.service.VerifyCode(ctx, challenge.VerificationToken, f.sentCode(t))
		require.NoError(t, err)

		_, err = f.sessions.VerifySession(ctx, session.Token)
		require.NoError(t, err)

		require.NoError(t, f.service.Logout(ctx, session.Token))

		_, err = f.sessions.VerifySession(ctx, session.Token)
		assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
	})
}
