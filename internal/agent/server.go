// Package agent exposes the sync agent to the local UI over HTTP.
package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/auth"
	"github.com/prudhvinik1/mealstock/internal/connectivity"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/notifications"
	"github.com/prudhvinik1/mealstock/internal/presence"
	"github.com/prudhvinik1/mealstock/internal/realtime"
)

// Deps are the long-lived components the API drives. All are required.
type Deps struct {
	Monitor   *connectivity.Monitor
	Realtime  *realtime.Manager
	Geo       *presence.FeedGeolocator
	Tracker   *presence.Tracker
	Center    *notifications.Center
	Inbox     *alerts.Inbox
	Sessions  *auth.SessionParser
	// KeepAlive is the comment interval on location streams.
	KeepAlive time.Duration
}

type Server struct {
	deps   Deps
	router chi.Router
	log    logger.Logger
}

func New(deps Deps, log logger.Logger) *Server {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	s := &Server{
		deps: deps,
		log:  log.WithFields(map[string]interface{}{"component": "agent"}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/connectivity", func(r chi.Router) {
		r.Get("/", s.handleGetConnectivity)
		r.Post("/network", s.handleNetworkChange)
		r.Post("/visibility", s.handleVisibility)
		r.Post("/estimate", s.handleEstimate)
		r.Put("/low-bandwidth", s.handleLowBandwidth)
	})

	r.Get("/content/image", s.handleImage)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/", s.handleLogin)
		r.Delete("/", s.handleLogout)
	})

	r.Route("/realtime", func(r chi.Router) {
		r.Get("/", s.handleRealtimeState)
		r.Post("/disconnect", s.handleDisconnect)
	})

	r.Route("/presence", func(r chi.Router) {
		r.Post("/location", s.handlePushLocation)
		r.Post("/location/error", s.handleLocationError)
		r.Post("/location/current", s.handlePublishCurrent)
		r.Get("/sharing", s.handleGetSharing)
		r.Post("/sharing", s.handleStartSharing)
		r.Delete("/sharing", s.handleStopSharing)
		r.Put("/status", s.handleSetStatus)
		r.Get("/participants", s.handleParticipants)
		r.Get("/participants/{userID}/location", s.handleObserve)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", s.handleListNotifications)
		r.Post("/refresh", s.handleRefreshNotifications)
		r.Post("/read-all", s.handleMarkAllRead)
		r.Post("/reply", s.handleReply)
		r.Post("/local", s.handlePushLocal)
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handleUpdatePreferences)
		r.Post("/{id}/read", s.handleMarkRead)
		r.Get("/{id}/thread", s.handleThread)
		r.Delete("/{id}", s.handleDeleteNotification)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleAlerts)
		r.Get("/pending", s.handlePendingAlerts)
	})

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fail maps component errors onto HTTP statuses. Unknown errors are logged
// and reported without detail.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var posErr *presence.PositionError
	switch {
	case errors.Is(err, notifications.ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notifications.ErrEmptyMessage),
		errors.Is(err, notifications.ErrMissingRecipient),
		errors.Is(err, notifications.ErrInvalidPreferences),
		errors.Is(err, notifications.ErrUnknownType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notifications.ErrNotStarted):
		writeError(w, http.StatusConflict, "not signed in")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, realtime.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &posErr):
		status := http.StatusServiceUnavailable
		switch posErr.Code {
		case presence.ErrorPermissionDenied:
			status = http.StatusForbidden
		case presence.ErrorTimeout:
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, posErr.Message)
	default:
		s.log.Error("request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
