// Package streamapi implements the HTTP read path that serves HLS master
// and variant playlists and segments to clients, backed by the cache and
// falling through to the object store.
package streamapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store"
)

// PreloadMax bounds how many segments PreloadChapter will synchronously
// warm into the cache in one call.
const PreloadMax = 20

// Server holds the dependencies for the streaming read-path handlers.
type Server struct {
	Store       store.Store
	ObjectStore objectstore.Store
	Cache       *cache.Cache

	CacheTTL             time.Duration
	AllowPartialPlaylist bool
	CORSOrigins          []string

	Logger    *slog.Logger
	Analytics *Analytics

	router *chi.Mux
}

// NewServer builds a Server with its router wired, mirroring the
// teacher's CORS-then-observability-middleware-then-routes layering.
func NewServer(
	storeImpl store.Store,
	objectStore objectstore.Store,
	cacheImpl *cache.Cache,
	cacheTTL time.Duration,
	allowPartialPlaylist bool,
	corsOrigins []string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		Store:                storeImpl,
		ObjectStore:          objectStore,
		Cache:                cacheImpl,
		CacheTTL:             cacheTTL,
		AllowPartialPlaylist: allowPartialPlaylist,
		CORSOrigins:          corsOrigins,
		Logger:               logger,
		Analytics:            &Analytics{},
		router:               chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Range", "Content-Range", "user_id"},
		ExposedHeaders:   []string{"Range", "Content-Range"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealthCheck)

	s.router.Route("/api/v1/stream", func(r chi.Router) {
		r.Use(s.requireUserID)

		r.Route("/chapters/{chapterID}", func(r chi.Router) {
			r.Get("/master.m3u8", s.handleGetMasterPlaylist)
			r.Get("/{bitrate}/playlist.m3u8", s.handleGetVariantPlaylist)
			r.Get("/{bitrate}/segments/{segmentID}", s.handleGetSegment)
			r.Get("/status", s.handleGetStreamingStatus)
			r.Post("/preload", s.handlePreloadChapter)
		})

		r.Get("/analytics", s.handleGetAnalytics)
	})
}
