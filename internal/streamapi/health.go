package streamapi

import (
	"context"
	"net/http"
	"time"

	"github.com/chapterstream/transcoder/internal/httpresponse"
)

// ComponentHealth describes the health of a single dependency.
type ComponentHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the aggregate health payload returned by /health.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]ComponentHealth, 3)
	overall := "healthy"

	dbHealth := s.checkDatabase(ctx)
	components["database"] = dbHealth
	if dbHealth.Status == "unhealthy" {
		overall = "unhealthy"
	}

	objectStoreHealth := s.checkObjectStore(ctx)
	components["object_store"] = objectStoreHealth
	if objectStoreHealth.Status == "unhealthy" {
		overall = "unhealthy"
	} else if objectStoreHealth.Status == "degraded" && overall == "healthy" {
		overall = "degraded"
	}

	cacheHealth := s.checkCache(ctx)
	components["cache"] = cacheHealth
	if cacheHealth.Status == "degraded" && overall == "healthy" {
		overall = "degraded"
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httpresponse.JSON(w, status, HealthResponse{Status: overall, Components: components}, s.Logger)
}

// checkDatabase verifies the state store is reachable via a cheap read.
func (s *Server) checkDatabase(ctx context.Context) ComponentHealth {
	if s.Store == nil {
		return ComponentHealth{Status: "unhealthy", Message: "store not configured"}
	}
	start := time.Now()
	_, err := s.Store.ListStalledJobs(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Status: "unhealthy", Latency: latency.String(), Message: "database read failed"}
	}
	return ComponentHealth{Status: "healthy", Latency: latency.String()}
}

// checkObjectStore verifies the object store backend is reachable.
func (s *Server) checkObjectStore(ctx context.Context) ComponentHealth {
	if s.ObjectStore == nil {
		return ComponentHealth{Status: "unhealthy", Message: "object store not configured"}
	}
	start := time.Now()
	err := s.ObjectStore.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Status: "unhealthy", Latency: latency.String(), Message: "object store unreachable"}
	}
	return ComponentHealth{Status: "healthy", Latency: latency.String()}
}

// checkCache verifies Redis is reachable. The cache is an accelerator,
// so an unreachable cache degrades rather than fails the service: the
// read path falls through to the object store.
func (s *Server) checkCache(ctx context.Context) ComponentHealth {
	if s.Cache == nil {
		return ComponentHealth{Status: "degraded", Message: "cache not configured"}
	}
	start := time.Now()
	err := s.Cache.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Status: "degraded", Latency: latency.String(), Message: "cache unreachable"}
	}
	return ComponentHealth{Status: "healthy", Latency: latency.String()}
}
