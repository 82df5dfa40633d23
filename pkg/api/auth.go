package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/antergos/antbs/pkg/store"
)

// Admin identity lives in the store: api_keys maps bearer keys to
// developer names, the admin group set holds the names allowed to
// drive the build server.
var (
	apiKeysKey    = store.Key("auth", "api_keys")
	adminGroupKey = store.Key("auth", "groups", "admin")
)

type devCtxKey struct{}

// requireAdmin resolves the bearer key to a developer in the admin
// group. Any identity failure is a 403; only the store being down is
// a 500.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dev, ok, err := s.authenticate(r)
		if err != nil {
			s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("auth lookup failed")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin auth rejected")
			writeMsg(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), devCtxKey{}, dev)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, bool, error) {
	const prefix = "Bearer "

	hdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(hdr, prefix) {
		return "", false, nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(hdr, prefix))
	if key == "" {
		return "", false, nil
	}

	dev, err := s.st.HGet(r.Context(), apiKeysKey, key)
	if err != nil {
		return "", false, err
	}
	if dev == "" {
		return "", false, nil
	}

	admin, err := s.st.SIsMember(r.Context(), adminGroupKey, dev)
	if err != nil {
		return "", false, err
	}
	return dev, admin, nil
}

// requestDev returns the developer the admin middleware resolved.
func requestDev(r *http.Request) string {
	dev, _ := r.Context().Value(devCtxKey{}).(string)
	return dev
}
