package httpapi

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ionsec/maes-platform-sub001/internal/access"
)

const (
	authHeader    = "Authorization"
	serviceHeader = "X-Service-Auth"
	bearer        = "Bearer "
	internalPath  = "/internal/"
)

// rejectServiceHeaderOutsideInternal keeps the worker secret off the public
// surface: it is only ever accepted under /internal/.
func rejectServiceHeaderOutsideInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(serviceHeader) != "" && !strings.HasPrefix(r.URL.Path, internalPath) {
			writeError(w, r, http.StatusForbidden, "service credentials are not accepted on this route")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireHuman authenticates a bearer token and attaches the principal.
// Browsers cannot set headers on websocket upgrades, so event endpoints also
// accept the token as the access_token query parameter.
func (a *API) requireHuman(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil && strings.HasPrefix(r.URL.Path, "/v1/events/") {
			if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.deps.Access.Authenticate(r.Context(), token)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		ctx := access.ContextWithIdentity(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireService authenticates the worker secret. Human tokens are refused
// outright rather than treated as missing credentials.
func (a *API) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(r.Header.Get(serviceHeader))
		if secret == "" {
			if r.Header.Get(authHeader) != "" {
				writeError(w, r, http.StatusForbidden, "internal routes require service credentials")
				return
			}
			writeError(w, r, http.StatusUnauthorized, "missing service credentials")
			return
		}
		svc, err := a.deps.Access.AuthenticateService(r.Context(), secret)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		ctx := access.ContextWithIdentity(r.Context(), svc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actor(r *http.Request) access.Identity {
	id, _ := access.IdentityFromContext(r.Context())
	return id
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
