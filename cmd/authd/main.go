// Package main runs the delegated auth service. By default it keeps all
// state in memory and prints one-time codes through a mock notifier, which
// is enough to exercise the whole flow locally. Set AUTH_STORE=postgres and
// AUTH_NOTIFIER=email for a durable deployment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinzhu/copier"
	"github.com/tendant/chi-demo/app"

	"github.com/tendant/simple-auth/pkg/config"
	"github.com/tendant/simple-auth/pkg/iam"
	"github.com/tendant/simple-auth/pkg/impersonate"
	impersonateapi "github.com/tendant/simple-auth/pkg/impersonate/api"
	"github.com/tendant/simple-auth/pkg/login"
	loginapi "github.com/tendant/simple-auth/pkg/login/api"
	"github.com/tendant/simple-auth/pkg/notification"
	"github.com/tendant/simple-auth/pkg/ratelimit"
	"github.com/tendant/simple-auth/pkg/tokengenerator"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

type AuthDbConfig struct {
	Host     string `env:"AUTH_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"AUTH_PG_PORT" env-default:"5432"`
	Database string `env:"AUTH_PG_DATABASE" env-default:"auth_db"`
	User     string `env:"AUTH_PG_USER" env-default:"auth"`
	Password string `env:"AUTH_PG_PASSWORD" env-default:"pwd"`
}

func (d AuthDbConfig) toDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type EmailConfig struct {
	Host     string `env:"SMTP_HOST" env-default:"localhost"`
	Port     int    `env:"SMTP_PORT" env-default:"1025"`
	TLS      bool   `env:"SMTP_TLS" env-default:"false"`
	Username string `env:"SMTP_USERNAME" env-default:""`
	Password string `env:"SMTP_PASSWORD" env-default:""`
	From     string `env:"SMTP_FROM" env-default:"noreply@example.com"`
}

type Config struct {
	Store    string `env:"AUTH_STORE" env-default:"memory"`  // memory or postgres
	Notifier string `env:"AUTH_NOTIFIER" env-default:"mock"` // mock or email
	BaseURL  string `env:"AUTH_BASE_URL" env-default:"http://localhost:4000"`

	AuthDbConfig        AuthDbConfig
	EmailConfig         EmailConfig
	JwtConfig           config.JwtConfig
	LoginConfig         config.LoginConfig
	ImpersonationConfig config.ImpersonationConfig
	AppConfig           app.AppConfig
}

func main() {
	cfg := Config{}
	cleanenv.ReadEnv(&cfg)

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	store := newStore(cfg)
	sessions := newSessionService(cfg, store)
	manager := newNotificationManager(cfg)

	directory := iam.NewInMemoryDirectory()
	creds := login.NewInMemCredentialStore()
	seedDemoPrincipals(directory, creds)

	loginService := newLoginService(cfg, creds, store, sessions, manager)
	impersonateService := newImpersonateService(cfg, directory, store, sessions, manager)

	jwtAuth := jwtauth.New("HS256", []byte(cfg.JwtConfig.Secret), nil)

	loginHandle := loginapi.NewHandle(loginService)
	impersonateHandle := impersonateapi.NewHandle(impersonateService, sessions)

	server.R.Route("/api/auth", func(r chi.Router) {
		loginHandle.Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(jwtAuth))
			r.Use(jwtauth.Authenticator(jwtAuth))
			loginHandle.ProtectedRoutes(r)
		})
	})

	// The confirmation link must work without a session; the target might
	// not be logged in when they receive it.
	impersonateHandle.ConfirmRoutes(server.R)

	server.R.Route("/api/impersonate", func(r chi.Router) {
		r.Use(jwtauth.Verifier(jwtAuth))
		r.Use(jwtauth.Authenticator(jwtAuth))
		impersonateHandle.Routes(r)
	})

	go purgeLoop(context.Background(), store, time.Minute)

	slog.Info("Starting simple-auth", "store", cfg.Store, "notifier", cfg.Notifier, "base_url", cfg.BaseURL)
	server.Run()
}

func newStore(cfg Config) tokenstore.Store {
	switch cfg.Store {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.AuthDbConfig.toDSN())
		if err != nil {
			slog.Error("Failed creating dbpool", "db", cfg.AuthDbConfig.Database, "host", cfg.AuthDbConfig.Host, "err", err)
			os.Exit(-1)
		}
		return tokenstore.NewPostgresTokenStore(pool)
	case "memory":
		return tokenstore.NewInMemTokenStore()
	default:
		slog.Error("Unknown store type", "store", cfg.Store)
		os.Exit(-1)
		return nil
	}
}

func newSessionService(cfg Config, store tokenstore.Store) *tokengenerator.SessionService {
	generator := tokengenerator.NewJwtTokenGenerator(cfg.JwtConfig.Secret, cfg.JwtConfig.Issuer, cfg.JwtConfig.Audience)

	expiry, err := cfg.JwtConfig.ParseSessionExpiry()
	if err != nil {
		slog.Error("Invalid session expiry", "value", cfg.JwtConfig.SessionExpiry, "err", err)
		os.Exit(-1)
	}
	return tokengenerator.NewSessionService(generator, store, tokengenerator.WithSessionExpiry(expiry))
}

func newNotificationManager(cfg Config) *notification.NotificationManager {
	manager := notification.NewNotificationManager()

	switch cfg.Notifier {
	case "email":
		smtpConfig := notification.SMTPConfig{}
		copier.Copy(&smtpConfig, &cfg.EmailConfig)
		notifier, err := notification.NewEmailNotifier(smtpConfig)
		if err != nil {
			slog.Error("Failed to create email notifier", "err", err)
			os.Exit(-1)
		}
		manager.RegisterNotifier(notification.EmailSystem, notifier)
	case "mock":
		slog.Warn("Using mock notifier, no notifications will be delivered")
		manager.RegisterNotifier(notification.EmailSystem, &notification.MockNotifier{})
	default:
		slog.Error("Unknown notifier type", "notifier", cfg.Notifier)
		os.Exit(-1)
	}

	manager.RegisterNotification(notification.LoginCodeNotice, notification.EmailSystem, notification.NoticeTemplate{
		Subject: "Your login code",
		Text:    "Hi {{.Username}}, your one-time login code is {{.Code}}. It expires shortly.",
		Html:    "<p>Hi {{.Username}},</p><p>Your one-time login code is <b>{{.Code}}</b>. It expires shortly.</p>",
	})
	manager.RegisterNotification(notification.ImpersonationConfirmNotice, notification.EmailSystem, notification.NoticeTemplate{
		Subject: "Confirm impersonation request",
		Text:    "Administrator {{.AdminUsername}} requests to act as your account. Confirm: {{.ConfirmLink}}",
		Html:    "<p>Administrator <b>{{.AdminUsername}}</b> requests to act as your account.</p><p><a href=\"{{.ConfirmLink}}\">Confirm the request</a></p>",
	})

	return manager
}

func newLoginService(
	cfg Config,
	creds login.CredentialStore,
	store tokenstore.Store,
	sessions *tokengenerator.SessionService,
	manager *notification.NotificationManager,
) *login.LoginService {
	pendingExpiry, err := cfg.LoginConfig.ParsePendingExpiry()
	if err != nil {
		slog.Error("Invalid pending expiry", "value", cfg.LoginConfig.PendingExpiry, "err", err)
		os.Exit(-1)
	}

	limiter := ratelimit.NewLimiter(
		cfg.LoginConfig.RateLimitBurst,
		cfg.LoginConfig.RateLimitPerSecond,
		time.Hour,
	)

	return login.NewLoginService(creds, store, sessions, manager,
		login.WithPendingExpiry(pendingExpiry),
		login.WithMaxCodeAttempts(cfg.LoginConfig.MaxCodeAttempts),
		login.WithRateLimiter(limiter),
	)
}

func newImpersonateService(
	cfg Config,
	directory iam.Directory,
	store tokenstore.Store,
	sessions *tokengenerator.SessionService,
	manager *notification.NotificationManager,
) *impersonate.Service {
	requestExpiry, err := cfg.ImpersonationConfig.ParseRequestExpiry()
	if err != nil {
		slog.Error("Invalid request expiry", "value", cfg.ImpersonationConfig.RequestExpiry, "err", err)
		os.Exit(-1)
	}

	return impersonate.NewService(directory, store, sessions, manager,
		impersonate.WithRequestExpiry(requestExpiry),
		impersonate.WithMaxOutstandingPerTarget(cfg.ImpersonationConfig.MaxOutstandingPerTarget),
		impersonate.WithConfirmBaseURL(cfg.BaseURL+"/confirm"),
	)
}

func seedDemoPrincipals(directory *iam.InMemoryDirectory, creds *login.InMemCredentialStore) {
	admin := iam.Principal{
		ID:       uuid.New(),
		Username: "admin",
		Email:    "admin@example.com",
		Roles:    []string{iam.AdminRole},
	}
	user := iam.Principal{
		ID:       uuid.New(),
		Username: "alice",
		Email:    "alice@example.com",
	}

	directory.Add(admin)
	directory.Add(user)

	if err := creds.Seed(admin, "password123"); err != nil {
		slog.Error("Failed to seed admin credentials", "err", err)
		os.Exit(-1)
	}
	if err := creds.Seed(user, "password123"); err != nil {
		slog.Error("Failed to seed user credentials", "err", err)
		os.Exit(-1)
	}

	slog.Info("Seeded demo principals", "admin", admin.Username, "admin_id", admin.ID, "user", user.Username, "user_id", user.ID)
}

// purgeLoop clears out expired pending verifications and impersonation
// requests so the store does not grow without bound.
func purgeLoop(ctx context.Context, store tokenstore.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n, err := store.PurgeExpiredPending(ctx, now); err != nil {
				slog.Error("Failed to purge pending verifications", "err", err)
			} else if n > 0 {
				slog.Info("Purged expired pending verifications", "count", n)
			}
			if n, err := store.PurgeExpiredRequests(ctx, now); err != nil {
				slog.Error("Failed to purge impersonation requests", "err", err)
			} else if n > 0 {
				slog.Info("Purged expired impersonation requests", "count", n)
			}
		}
	}
}
