package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/impersonate"
	"github.com/tendant/simple-auth/pkg/tokengenerator"
)

type Handle struct {
	service  *impersonate.Service
	sessions *tokengenerator.SessionService
}

func NewHandle(service *impersonate.Service, sessions *tokengenerator.SessionService) Handle {
	return Handle{
		service:  service,
		sessions: sessions,
	}
}

// Routes registers the impersonation endpoints that require an admin
// session.
func (h Handle) Routes(r chi.Router) {
	r.Post("/", h.CreateRequest)
	r.Get("/{id}/status", h.Status)
	r.Post("/{id}/exchange", h.Exchange)
	r.Post("/{id}/deny", h.Deny)
}

// ConfirmRoutes registers the public confirmation endpoint. The target user
// follows this link from their notification; they might not hold a session.
func (h Handle) ConfirmRoutes(r chi.Router) {
	r.Get("/confirm/{token}", h.Confirm)
}

type CreateRequestBody struct {
	TargetID string `json:"target_id"`
}

type RequestResponse struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	TargetID  string    `json:"target_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SessionResponse struct {
	AccessToken string    `json:"access_token"`
	PrincipalID string    `json:"principal_id"`
	ActingAs    string    `json:"acting_as,omitempty"`
	IssuerID    string    `json:"issuer_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// sessionFromRequest re-verifies the bearer token. The jwtauth middleware
// already rejected unsigned tokens, but only this check catches revoked
// sessions and yields the parsed claims.
func (h Handle) sessionFromRequest(r *http.Request) (tokengenerator.Session, error) {
	tokenStr := jwtauth.TokenFromHeader(r)
	if tokenStr == "" {
		tokenStr = jwtauth.TokenFromCookie(r)
	}
	if tokenStr == "" {
		return tokengenerator.Session{}, errors.New(errors.ErrCodeInvalidCredentials, "missing session token")
	}
	return h.sessions.VerifySession(r.Context(), tokenStr)
}

// Request to act as another user
// (POST /api/impersonate)
func (h Handle) CreateRequest(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if session.Impersonated() {
		renderError(w, r, errors.Forbidden("cannot impersonate from an impersonated session"))
		return
	}

	data := CreateRequestBody{}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	targetID, err := uuid.Parse(data.TargetID)
	if err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid target_id format"))
		return
	}

	request, err := h.service.RequestImpersonation(r.Context(), session.PrincipalID, targetID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, RequestResponse{
		ID:        request.ID.String(),
		State:     string(request.State),
		TargetID:  request.TargetID.String(),
		ExpiresAt: request.ExpiresAt,
	})
}

// Check whether the target has confirmed. With ?wait=true the handler long
// polls until the request leaves awaiting_confirmation or the client gives
// up.
// (GET /api/impersonate/{id}/status)
func (h Handle) Status(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request id format"))
		return
	}

	var status impersonate.RequestStatus
	if r.URL.Query().Get("wait") == "true" {
		poller := impersonate.NewStatusPoller(
			func(ctx context.Context, id uuid.UUID) (impersonate.RequestStatus, error) {
				return h.service.Status(ctx, session.PrincipalID, id)
			},
		)
		status, err = poller.Wait(r.Context(), requestID)
	} else {
		status, err = h.service.Status(r.Context(), session.PrincipalID, requestID)
	}
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, RequestResponse{
		ID:        status.ID.String(),
		State:     string(status.State),
		TargetID:  status.TargetID.String(),
		ExpiresAt: status.ExpiresAt,
	})
}

// Trade a confirmed request for an impersonation session
// (POST /api/impersonate/{id}/exchange)
func (h Handle) Exchange(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request id format"))
		return
	}

	impSession, err := h.service.Exchange(r.Context(), session.PrincipalID, requestID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := SessionResponse{
		AccessToken: impSession.Token,
		PrincipalID: impSession.PrincipalID.String(),
		ExpiresAt:   impSession.ExpiresAt,
	}
	if impSession.ActingAs != nil {
		resp.ActingAs = impSession.ActingAs.String()
	}
	if impSession.IssuerID != nil {
		resp.IssuerID = impSession.IssuerID.String()
	}
	render.JSON(w, r, resp)
}

// Cancel an outstanding request
// (POST /api/impersonate/{id}/deny)
func (h Handle) Deny(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request id format"))
		return
	}

	if err := h.service.Deny(r.Context(), session.PrincipalID, requestID); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "denied"})
}

// Confirm an impersonation request out of band
// (GET /confirm/{token})
func (h Handle) Confirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		renderError(w, r, errors.New(errors.ErrCodeInvalidInput, "missing confirmation token"))
		return
	}

	request, err := h.service.Confirm(r.Context(), token)
	if err != nil {
		slog.Warn("Failed to confirm impersonation request", "err", err)
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, RequestResponse{
		ID:        request.ID.String(),
		State:     string(request.State),
		TargetID:  request.TargetID.String(),
		ExpiresAt: request.ExpiresAt,
	})
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
