package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"golang.org/x/exp/slog"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/login"
)

type Handle struct {
	loginService *login.LoginService
}

func NewHandle(loginService *login.LoginService) Handle {
	return Handle{
		loginService: loginService,
	}
}

// Routes registers the login endpoints. Login and verify are public; logout
// requires a session and belongs on a protected router.
func (h Handle) Routes(r chi.Router) {
	r.Post("/login", h.BeginLogin)
	r.Post("/verify", h.VerifyCode)
}

// ProtectedRoutes registers the endpoints that require a session token.
func (h Handle) ProtectedRoutes(r chi.Router) {
	r.Post("/logout", h.Logout)
}

type BeginLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type VerifyCodeRequest struct {
	VerificationToken string `json:"verification_token"`
	Code              string `json:"code"`
}

type SessionResponse struct {
	AccessToken string    `json:"access_token"`
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Begin the two stage login
// (POST /api/auth/login)
func (h Handle) BeginLogin(w http.ResponseWriter, r *http.Request) {
	data := BeginLoginRequest{}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	if data.Username == "" || data.Password == "" {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "username and password are required"))
		return
	}

	challenge, err := h.loginService.BeginLogin(r.Context(), data.Username, data.Password)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, challenge)
}

// Complete the login with the out-of-band code
// (POST /api/auth/verify)
func (h Handle) VerifyCode(w http.ResponseWriter, r *http.Request) {
	data := VerifyCodeRequest{}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	if data.VerificationToken == "" || data.Code == "" {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "verification_token and code are required"))
		return
	}

	session, err := h.loginService.VerifyCode(r.Context(), data.VerificationToken, data.Code)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, SessionResponse{
		AccessToken: session.Token,
		PrincipalID: session.PrincipalID.String(),
		ExpiresAt:   session.ExpiresAt,
	})
}

// Revoke the current session
// (POST /api/auth/logout)
func (h Handle) Logout(w http.ResponseWriter, r *http.Request) {
	tokenStr := jwtauth.TokenFromHeader(r)
	if tokenStr == "" {
		tokenStr = jwtauth.TokenFromCookie(r)
	}
	if tokenStr == "" {
		renderError(w, r, errors.New(errors.ErrCodeInvalidCredentials, "missing session token"))
		return
	}

	if err := h.loginService.Logout(r.Context(), tokenStr); err != nil {
		slog.Error("Failed to revoke session", "err", err)
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]string{"status": "logged_out"})
}

type errorResponse struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	render.Status(r, errors.MapErrorCodeToHTTPStatus(code))
	render.JSON(w, r, errorResponse{Code: code, Message: err.Error()})
}
