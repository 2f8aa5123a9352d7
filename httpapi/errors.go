package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/middleware"
)

// errCSRF is reported to clients as forbidden.
var errCSRF = fmt.Errorf("%w: csrf check failed", tenantauth.ErrForbidden)

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := middleware.Status(err)
	code := tenantauth.Code(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	switch status {
	case http.StatusLocked, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if d, ok := tenantauth.RetryAfter(err); ok {
			w.Header().Set("Retry-After", retryAfterSeconds(d))
		}
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
