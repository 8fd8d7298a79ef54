package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyrelay/keyrelay/internal/admission"
	apperrors "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/pool"
	"github.com/keyrelay/keyrelay/internal/server/bind"
	"github.com/keyrelay/keyrelay/internal/session"
)

// API serves the /v1 endpoints.
type API struct {
	Gateway  *gateway.Gateway
	Sessions *session.Manager
}

type generateRequest struct {
	License     string   `json:"license,omitempty" validate:"max=256"`
	Device      string   `json:"device,omitempty" validate:"max=256"`
	Prompt      string   `json:"prompt" validate:"required"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty" validate:"max=128"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,min=1"`
}

type generateResponse struct {
	OK bool `json:"ok"`
	*gateway.GenerationResult
}

type sessionRequest struct {
	License string `json:"license" validate:"required,max=256"`
	Device  string `json:"device" validate:"required,max=256"`
}

type sessionResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentialRequest struct {
	Secret string `json:"secret" validate:"required,max=512"`
}

type credentialsResponse struct {
	OK    bool              `json:"ok"`
	Slots []pool.SlotStatus `json:"slots"`
}

type probeResponse struct {
	OK     bool                `json:"ok"`
	Result gateway.ProbeResult `json:"result"`
}

type claimsKey struct{}

// Generate runs one generation. The caller is identified by a session token
// when one is sent, otherwise by license and device in the body.
func (a *API) Generate(w http.ResponseWriter, r *http.Request) {
	body, err := bind.JSON[generateRequest](r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}

	id := admission.Identity{License: body.License, Device: body.Device}
	if _, ok := session.BearerToken(r.Header.Get("Authorization")); ok {
		claims, err := a.verify(r)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		id = admission.Identity{License: claims.License, Device: claims.Device}
	}

	result, err := a.Gateway.Generate(r.Context(), id, gateway.GenerationRequest{
		Prompt:      body.Prompt,
		System:      body.System,
		Model:       body.Model,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{OK: true, GenerationResult: result})
}

// CreateSession checks the license and returns a bearer token bound to it.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	if a.Sessions == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("sessions are not enabled"))
		return
	}
	body, err := bind.JSON[sessionRequest](r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}

	id := admission.Identity{License: body.License, Device: body.Device}
	if err := a.Gateway.Authorize(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	token, expires, err := a.Sessions.Issue(id.License, id.Device)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "could not issue session"))
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{OK: true, Token: token, ExpiresAt: expires})
}

// RequireSession rejects requests without a valid bearer token and stores
// its claims in the request context.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.verify(r)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// ListCredentials returns the caller's slots with masked secrets.
func (a *API) ListCredentials(w http.ResponseWriter, r *http.Request) {
	slots, err := a.Gateway.Credentials(r.Context(), owner(r))
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "could not load credentials"))
		return
	}
	writeJSON(w, http.StatusOK, credentialsResponse{OK: true, Slots: slots})
}

// PutCredential stores a secret in one slot.
func (a *API) PutCredential(w http.ResponseWriter, r *http.Request) {
	slotID, ok := slotParam(w, r)
	if !ok {
		return
	}
	body, err := bind.JSON[credentialRequest](r)
	if err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}
	if err := a.Gateway.SetCredential(r.Context(), owner(r), slotID, body.Secret); err != nil {
		respondWithError(w, r, credentialError(r, err))
		return
	}
	a.ListCredentials(w, r)
}

// DeleteCredential empties one slot.
func (a *API) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	slotID, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := a.Gateway.ClearCredential(r.Context(), owner(r), slotID); err != nil {
		respondWithError(w, r, credentialError(r, err))
		return
	}
	a.ListCredentials(w, r)
}

// ProbeCredential sends a minimal request with one slot's secret.
func (a *API) ProbeCredential(w http.ResponseWriter, r *http.Request) {
	slotID, ok := slotParam(w, r)
	if !ok {
		return
	}
	result, err := a.Gateway.Probe(r.Context(), owner(r), slotID)
	if err != nil {
		respondWithError(w, r, credentialError(r, err))
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{OK: result.Status == gateway.ProbeOK, Result: result})
}

func (a *API) verify(r *http.Request) (*session.Claims, error) {
	if a.Sessions == nil {
		return nil, apperrors.NewUnauthorizedError("sessions are not enabled")
	}
	token, ok := session.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, apperrors.NewUnauthorizedError("bearer token required")
	}
	claims, err := a.Sessions.Verify(token)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError("invalid or expired session")
	}
	return claims, nil
}

func owner(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey{}).(*session.Claims); ok {
		return claims.License
	}
	return ""
}

func slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil || id < 1 || id > pool.MaxSlots {
		respondWithError(w, r, apperrors.NewInvalidInputError("slot id must be between 1 and "+strconv.Itoa(pool.MaxSlots)))
		return 0, false
	}
	return id, true
}

func credentialError(r *http.Request, err error) error {
	switch {
	case stderrors.Is(err, pool.ErrEmptySecret), stderrors.Is(err, pool.ErrInvalidSlot):
		return apperrors.WrapValidationError(r.Context(), err, err.Error())
	case stderrors.Is(err, gateway.ErrNoSecret):
		return apperrors.NewNotFoundError(err.Error())
	default:
		return apperrors.WrapInternal(r.Context(), err, "credential update failed")
	}
}
