package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fraudsight.io/internal/audit"
	"fraudsight.io/internal/config"
	"fraudsight.io/internal/keypass"
)

type generateKeypassRequest struct {
	Count         int `json:"count"`
	ExpiresInDays int `json:"expires_in_days"`
}

type claimKeypassRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type keypassListResponse struct {
	Items []*keypass.Keypass `json:"items"`
}

func (a *API) handleKeypassCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.generateKeypasses(w, r)
	case http.MethodGet:
		a.listKeypasses(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleKeypassResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/keypasses/")
	switch {
	case strings.HasSuffix(rest, "/validate"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.validateKeypass(w, r, strings.TrimSuffix(rest, "/validate"))
	case strings.HasSuffix(rest, "/revoke"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeKeypass(w, r, strings.TrimSuffix(rest, "/revoke"))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) generateKeypasses(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	var req generateKeypassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	passes, err := a.keypasses.Generate(r.Context(), p.OrganisationID, p.UserID, req.Count, req.ExpiresInDays)
	if err != nil {
		a.handleKeypassError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "keypass.generated", map[string]any{
		"count": len(passes),
	})
	writeJSON(w, http.StatusCreated, keypassListResponse{Items: passes})
}

func (a *API) listKeypasses(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	passes, err := a.keypasses.ListByOrganisation(r.Context(), p.OrganisationID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if passes == nil {
		passes = []*keypass.Keypass{}
	}
	writeJSON(w, http.StatusOK, keypassListResponse{Items: passes})
}

func (a *API) validateKeypass(w http.ResponseWriter, r *http.Request, code string) {
	if !a.allow(w, r, config.RouteKeypassValidate, clientIP(r)) {
		return
	}
	kp, err := a.keypasses.Validate(r.Context(), code)
	if err != nil {
		a.handleKeypassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       kp.Code,
		"status":     string(kp.Status),
		"expires_at": kp.ExpiresAt,
	})
}

func (a *API) claimKeypass(w http.ResponseWriter, r *http.Request) {
	if !a.allow(w, r, config.RouteKeypassClaim, clientIP(r)) {
		return
	}
	var req claimKeypassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, principal, err := a.keypasses.Claim(r.Context(), req.Code, req.Email, req.Name)
	if err != nil {
		a.handleKeypassError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "keypass.claimed", map[string]any{
		"claimed_user_id": principal.UserID,
		"org_id":          principal.OrganisationID,
	})
	writeJSON(w, http.StatusOK, sessionOf(pair, principal))
}

func (a *API) handleKeypassClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.claimKeypass(w, r)
}

func (a *API) revokeKeypass(w http.ResponseWriter, r *http.Request, code string) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	if err := a.keypasses.Revoke(r.Context(), p.OrganisationID, code); err != nil {
		a.handleKeypassError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "keypass.revoked", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleKeypassError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, keypass.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "keypass not found")
	case errors.Is(err, keypass.ErrNotAvailable):
		writeErrorCode(w, r, http.StatusConflict, "NOT_AVAILABLE", "keypass has already been used")
	case errors.Is(err, keypass.ErrExpired):
		writeErrorCode(w, r, http.StatusConflict, "EXPIRED", "keypass has expired")
	case errors.Is(err, keypass.ErrRevoked):
		writeErrorCode(w, r, http.StatusConflict, "REVOKED", "keypass has been revoked")
	case errors.Is(err, keypass.ErrPackageRequired):
		writeErrorCode(w, r, http.StatusForbidden, "PACKAGE_REQUIRED", "a training package purchase is required to generate keypasses")
	case errors.Is(err, keypass.ErrRateLimited):
		writeErrorCode(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	case errors.Is(err, keypass.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid request")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
