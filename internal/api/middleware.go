package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/rotor-ads/rotor/internal/store"
)

// cronSecretHeader carries the shared secret for cron-initiated endpoints.
const cronSecretHeader = "X-Rotor-Cron-Secret"

// keyPattern is the accepted API key shape: environment prefix plus 32 hex.
var keyPattern = regexp.MustCompile(`^ky_(live|test)_[0-9a-f]{32}$`)

type principalKey struct{}

// principal is the authenticated caller.
type principal struct {
	UserID string
	Admin  bool
}

func principalFrom(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey{}).(principal)
	return p
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the bearer token to a principal: the admin token
// hash first, then the API key table. Key format is validated before any
// lookup so malformed tokens never reach the store.
func (s *Server) authenticate(r *http.Request) (principal, *ServiceError) {
	token := bearerToken(r)
	if token == "" {
		return principal{}, serviceError(http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
	}
	digest := sha256Hex(token)

	if s.cfg.AdminTokenSHA256 != "" &&
		subtle.ConstantTimeCompare([]byte(digest), []byte(s.cfg.AdminTokenSHA256)) == 1 {
		return principal{Admin: true}, nil
	}

	if !keyPattern.MatchString(token) {
		return principal{}, serviceError(http.StatusUnauthorized, CodeUnauthorized, "malformed api key")
	}
	key, err := s.store.APIKeys.FindBySHA256(digest)
	if errors.Is(err, store.ErrNotFound) {
		return principal{}, serviceError(http.StatusUnauthorized, CodeUnauthorized, "unknown api key")
	}
	if err != nil {
		return principal{}, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error")
	}
	if key.Suspended {
		return principal{}, serviceError(http.StatusForbidden, CodeForbidden, "api key suspended")
	}
	return principal{UserID: key.UserID}, nil
}

// requireUser wraps a handler needing an API-key user. Admin tokens are
// rejected: user-scoped data has no meaning without a user id.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, serr := s.authenticate(r)
		if serr != nil {
			writeError(w, serr)
			return
		}
		if p.UserID == "" {
			writeError(w, serviceError(http.StatusForbidden, CodeForbidden, "user api key required"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// requireAdmin wraps a handler needing the admin token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, serr := s.authenticate(r)
		if serr != nil {
			writeError(w, serr)
			return
		}
		if !p.Admin {
			writeError(w, serviceError(http.StatusForbidden, CodeForbidden, "admin token required"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// requireCronOrAdmin accepts either the cron shared secret header or the
// admin token. An empty configured secret disables the header path.
func (s *Server) requireCronOrAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get(cronSecretHeader); secret != "" {
			if s.cfg.CronSecret != "" &&
				subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.CronSecret)) == 1 {
				next(w, r)
				return
			}
			writeError(w, serviceError(http.StatusUnauthorized, CodeUnauthorized, "bad cron secret"))
			return
		}
		s.requireAdmin(next)(w, r)
	}
}

// limitBody caps request body size for every route.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.APIMaxBodyBytes))
		}
		next.ServeHTTP(w, r)
	})
}
