// Copyright Contributors to the Nublado project

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

var log = ctrl.Log.WithName("auth")

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	userKey  contextKey = "user"
	tokenKey contextKey = "token"
)

// Auth authenticates requests through the Gafaelfawr headers the ingress
// stamps on every proxied request: X-Auth-Request-Token carries the
// caller's delegated token, X-Auth-Request-User the username the ingress
// resolved. The token is re-validated against the identity service and the
// two must agree, so a stale or forged username header is a 403.
func Auth(gf *gafaelfawr.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Auth-Request-Token")
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, nuberr.KindInvalidToken,
					"no token provided")
				return
			}
			user, err := gf.UserInfo(r.Context(), token)
			if err != nil {
				var ce *nuberr.ClientError
				if errors.As(err, &ce) {
					writeAuthError(w, ce.Status(), ce.Kind, ce.Message)
					return
				}
				log.Error(err, "user info lookup failed")
				writeAuthError(w, http.StatusInternalServerError, "upstream_error",
					"cannot validate token")
				return
			}
			if header := r.Header.Get("X-Auth-Request-User"); header != "" && header != user.Username {
				writeAuthError(w, http.StatusForbidden, nuberr.KindPermissionDenied,
					"header username does not match token")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Admin authenticates admin routes, which JupyterHub and operational
// tooling call with the controller's own service token rather than a
// delegated user token. Any other token goes through the user check.
func Admin(serviceToken string, gf *gafaelfawr.Client) func(http.Handler) http.Handler {
	userAuth := Auth(gf)
	return func(next http.Handler) http.Handler {
		authed := userAuth(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Auth-Request-Token")
			if serviceToken != "" && token == serviceToken {
				ctx := context.WithValue(r.Context(), tokenKey, token)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}

// User returns the authenticated caller, or nil outside the Auth
// middleware.
func User(ctx context.Context) *gafaelfawr.UserInfo {
	user, _ := ctx.Value(userKey).(*gafaelfawr.UserInfo)
	return user
}

// Token returns the caller's delegated token.
func Token(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func writeAuthError(w http.ResponseWriter, status int, kind nuberr.ErrorKind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": []map[string]any{{"type": string(kind), "msg": msg}},
	})
}
