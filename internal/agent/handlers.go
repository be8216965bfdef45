package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/notifications"
	"github.com/prudhvinik1/mealstock/internal/policy"
	"github.com/prudhvinik1/mealstock/internal/presence"
)

// --- Connectivity ---

type connectivityResponse struct {
	State      models.ConnectivityState `json:"state"`
	Directives policy.Directives        `json:"directives"`
}

func (s *Server) connectivity() connectivityResponse {
	state := s.deps.Monitor.State()
	return connectivityResponse{State: state, Directives: policy.New(state).Directives()}
}

func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectivity())
}

func (s *Server) handleNetworkChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decode(r, &req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.deps.Monitor.OnNetworkChange(r.Context(), *req.Online)
	writeJSON(w, http.StatusOK, s.connectivity())
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	s.deps.Monitor.OnVisibilityRegained(r.Context())
	writeJSON(w, http.StatusOK, s.connectivity())
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	quality := s.deps.Monitor.EstimateQuality(r.Context())
	writeJSON(w, http.StatusOK, map[string]models.Quality{"quality": quality})
}

func (s *Server) handleLowBandwidth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.deps.Monitor.SetLowBandwidthMode(r.Context(), *req.Enabled)
	writeJSON(w, http.StatusOK, s.connectivity())
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := policy.ImageRequest{LogicalSize: policy.LogicalSize(q.Get("size"))}
	if v := q.Get("viewport"); v != "" {
		width, err := strconv.Atoi(v)
		if err != nil || width < 0 {
			writeError(w, http.StatusBadRequest, "invalid viewport")
			return
		}
		req.ViewportWidth = width
	}
	if v := q.Get("inline"); v != "" {
		inline, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid inline flag")
			return
		}
		req.Inline = inline
	}

	p := policy.New(s.deps.Monitor.State())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolution": p.SelectImageResolution(req),
		"degraded":   p.Degraded(),
	})
}

// --- Session ---

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session := s.deps.Realtime.Session()
	if session == nil {
		writeError(w, http.StatusNotFound, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleLogin signs in with a backend access token. Switching to another user
// stops location sharing for the previous one.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := decode(r, &req); err != nil || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	session, err := s.deps.Sessions.Parse(req.AccessToken)
	if err != nil {
		s.fail(w, err)
		return
	}

	if previous := s.deps.Realtime.Session(); previous != nil && previous.UserID != session.UserID {
		s.deps.Tracker.StopSharing()
	}
	s.deps.Realtime.Login(session)
	if err := s.deps.Center.Start(r.Context(), session.UserID, s.deps.Realtime); err != nil {
		s.fail(w, err)
		return
	}

	s.log.Info("signed in", map[string]interface{}{"user_id": session.UserID, "role": string(session.Role)})
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StopSharing()
	s.deps.Center.Stop()
	s.deps.Realtime.Logout()
	w.WriteHeader(http.StatusNoContent)
}

// --- Realtime ---

func (s *Server) handleRealtimeState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"state": s.deps.Realtime.State()}
	if session := s.deps.Realtime.Session(); session != nil {
		resp["user_id"] = session.UserID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Realtime.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// --- Presence ---

type locationRequest struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Accuracy  *float64   `json:"accuracy"`
	Timestamp *time.Time `json:"timestamp"`
}

// handlePushLocation feeds a position fix from the device into the
// geolocator.
func (s *Server) handlePushLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	if *req.Lat < -90 || *req.Lat > 90 || *req.Lng < -180 || *req.Lng > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	pos := presence.Position{Latitude: *req.Lat, Longitude: *req.Lng, Accuracy: req.Accuracy}
	if req.Timestamp != nil {
		pos.Timestamp = *req.Timestamp
	}
	s.deps.Geo.Push(pos)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLocationError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    presence.PositionErrorCode `json:"code"`
		Message string                     `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	switch req.Code {
	case presence.ErrorPermissionDenied, presence.ErrorPositionUnavailable, presence.ErrorTimeout:
	default:
		writeError(w, http.StatusBadRequest, "unknown error code")
		return
	}
	s.deps.Geo.Fail(req.Code, req.Message)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePublishCurrent(w http.ResponseWriter, r *http.Request) {
	loc, err := s.deps.Tracker.PublishCurrent(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) sharingStatus() map[string]interface{} {
	return map[string]interface{}{
		"sharing":       s.deps.Tracker.Sharing(),
		"last_location": s.deps.Tracker.LastLocation(),
	}
}

func (s *Server) handleGetSharing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sharingStatus())
}

func (s *Server) handleStartSharing(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tracker.StartSharing(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sharingStatus())
}

func (s *Server) handleStopSharing(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StopSharing()
	writeJSON(w, http.StatusOK, s.sharingStatus())
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.PresenceStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	switch req.Status {
	case models.StatusOnline, models.StatusAway, models.StatusBusy:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if err := s.deps.Realtime.UpdatePresence(r.Context(), models.PresenceUpdate{Status: &req.Status}); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": s.deps.Realtime.OnlineParticipants(),
	})
}

// handleObserve streams a participant's location as server-sent events until
// the client goes away.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	target := chi.URLParam(r, "userID")

	updates := make(chan models.LocationData, 8)
	sub := s.deps.Tracker.Observe(target, func(loc models.LocationData) {
		select {
		case updates <- loc:
		default:
		}
	})
	defer sub.Dispose()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.deps.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case loc := <-updates:
			data, err := json.Marshal(loc)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: location\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// --- Notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.deps.Center.Notifications(),
		"unread_count":  s.deps.Center.UnreadCount(),
	})
}

func (s *Server) handleRefreshNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Center.Refresh(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.handleListNotifications(w, r)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Center.MarkAsRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Center.MarkAllAsRead(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Center.DeleteNotification(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.deps.Center.Thread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": thread})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req notifications.Reply
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	msg, err := s.deps.Center.SendReply(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handlePushLocal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    models.NotificationType `json:"type"`
		Title   string                  `json:"title"`
		Message string                  `json:"message"`
	}
	if err := decode(r, &req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Type == "" {
		req.Type = models.NotificationOrderStatus
	}
	n, err := s.deps.Center.PushLocal(req.Type, req.Title, req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Center.Preferences())
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs models.NotificationPreferences
	if err := decode(r, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.deps.Center.UpdatePreferences(r.Context(), prefs); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Center.Preferences())
}

// --- Alerts ---

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.deps.Inbox.Drain()})
}

// handlePendingAlerts reads the inbox without clearing it.
func (s *Server) handlePendingAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.deps.Inbox.Pending()})
}
