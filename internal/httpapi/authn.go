package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fraudsight.io/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/signup",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
	"/v1/keypasses/claim",
	"/v1/webhooks/payment",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a.identity == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		principal, err := a.identity.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthorized) {
				writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated caller, writing the 401 itself when
// there is none.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
	}
	return p, ok
}

// requireEmployer gates organisation-management routes; employees can only
// consume keypasses, not mint them or buy packages.
func (a *API) requireEmployer(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return identity.Principal{}, false
	}
	if p.Role != identity.RoleEmployer && p.Role != identity.RoleAdmin {
		writeErrorCode(w, r, http.StatusForbidden, "FORBIDDEN", "employer role required")
		return identity.Principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	// GET /v1/keypasses/{code}/validate is how a prospective employee checks
	// a code before claiming it; it must not require a session.
	if strings.HasPrefix(path, "/v1/keypasses/") && strings.HasSuffix(path, "/validate") {
		return true
	}
	return false
}
