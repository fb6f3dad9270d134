package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Coded error strings returned to callers. Deliberately terse so a
// failed probe learns nothing about which check rejected it.
const (
	errIllegalRequest  = "illegal request"
	errSessionInvalid  = "session no longer valid"
	errNodeBlacklisted = "node blacklisted"
)

// authFailureDelay is the fixed pause before every authentication
// failure response, taking the speed out of brute-force probing.
const authFailureDelay = 500 * time.Millisecond

// contextKey avoids collisions with other packages' context values.
type contextKey string

const claimsKey contextKey = "claims"

// Middleware wraps handlers with the cross-cutting HTTP concerns.
type Middleware struct {
	auth   *TokenAuth
	log    *zap.Logger
	noAuth bool

	// sleep is replaced in tests so auth-failure paths stay fast.
	sleep func(time.Duration)
}

// NewMiddleware builds the middleware stack. noAuth bypasses token
// checks for non-admin endpoints, for local development only.
func NewMiddleware(auth *TokenAuth, log *zap.Logger, noAuth bool) *Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{auth: auth, log: log, noAuth: noAuth, sleep: time.Sleep}
}

// AuthRequired enforces a valid token.
func (m *Middleware) AuthRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.noAuth {
			ctx := context.WithValue(r.Context(), claimsKey, &Claims{NodeID: "dev"})
			next(w, r.WithContext(ctx))
			return
		}

		claims, err := m.validate(r)
		if err != nil {
			m.rejectAuth(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// AdminRequired enforces a valid admin token. Never bypassed, even in
// no-auth mode.
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.validate(r)
		if err != nil {
			m.rejectAuth(w, r, err)
			return
		}
		if !claims.IsAdmin {
			m.sleep(authFailureDelay)
			m.writeError(w, errIllegalRequest, http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// Recovery converts handler panics into a 500.
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.log.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				m.writeError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// ContentType stamps JSON on every response.
func (m *Middleware) ContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// Logging emits one structured line per request.
func (m *Middleware) Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		m.log.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (m *Middleware) validate(r *http.Request) (*Claims, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return nil, errMissingToken
	}
	return m.auth.Validate(token)
}

// rejectAuth answers every authentication failure the same way: a fixed
// delay, then the coded error string.
func (m *Middleware) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	m.log.Warn("authentication failed",
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
		zap.Error(err))
	m.sleep(authFailureDelay)
	m.writeError(w, errIllegalRequest, http.StatusUnauthorized)
}

func (m *Middleware) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// requestClaims pulls the validated claims out of the request context.
func requestClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}

var errMissingToken = errors.New("authorization header required")
