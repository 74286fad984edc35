package streamapi

import (
	"net/http"
	"strings"

	"github.com/chapterstream/transcoder/internal/httpresponse"
)

// requireUserID enforces the upstream-trusted-service contract: every
// streaming request must carry a non-empty, non-whitespace user_id
// header. Health endpoints are exempt (they are not mounted behind this
// middleware).
func (s *Server) requireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("user_id")) == "" {
			httpresponse.Error(w, http.StatusUnauthorized, "missing or empty user_id header", s.Logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}
