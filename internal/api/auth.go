package api

import (
	"errors"
	"net/http"
)

const RoleAdmin = "admin"

type User struct {
	Role string
}

// Authenticator identifies the caller. The real gate lives in the front-end
// platform; the daemon only needs the resolved role.
type Authenticator interface {
	CurrentUser(r *http.Request) (User, error)
}

var errUnauthenticated = errors.New("unauthenticated")

// APIKeyAuth grants the admin role to requests carrying the configured key
// in the X-API-Key header.
type APIKeyAuth struct {
	Key string
}

func (a APIKeyAuth) CurrentUser(r *http.Request) (User, error) {
	if a.Key != "" && r.Header.Get("X-API-Key") == a.Key {
		return User{Role: RoleAdmin}, nil
	}
	return User{}, errUnauthenticated
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.CurrentUser(r)
		if err != nil || user.Role != RoleAdmin {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
