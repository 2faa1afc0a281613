package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// RoleHeader carries the caller's role id, set by the authenticating
// layer upstream of this engine.
const RoleHeader = "X-Haven-Role"

// Middleware wires authorization guards for HTTP handlers.
type Middleware struct {
	Checker *Checker
	Logger  *slog.Logger
}

// RequireAny admits the request when the caller's role holds at least
// one of the permission paths. Denials answer with a bare 403: reason
// codes stay inside the engine and its audit trail, never on the wire
// to unprivileged callers.
func (m Middleware) RequireAny(paths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(paths) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			roleID, ok := m.callerRole(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			decision := m.Checker.CheckAnyPermission(r.Context(), roleID, paths)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll admits the request only when every path is allowed.
func (m Middleware) RequireAll(paths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roleID, ok := m.callerRole(r)
			if !ok && len(paths) > 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, path := range paths {
				if decision := m.Checker.CheckPermission(r.Context(), roleID, path); !decision.Allowed {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) callerRole(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(RoleHeader))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if m.Logger != nil {
			m.Logger.Error("parse caller role header", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
