package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/ingest"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/store"
	"github.com/lox/floodwatch/internal/watch"
	"github.com/lox/floodwatch/internal/weather"
)

const (
	defaultZoom = 2
	maxZoom     = 20
)

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func parseCoordinates(r *http.Request) (float64, float64, error) {
	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		return 0, 0, err
	}
	lon, err := parseFloatParam(r, "lon")
	if err != nil {
		return 0, 0, err
	}
	if err := models.ValidateCoordinates(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	mm, err := parseFloatParam(r, "precipitation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := risk.Classify(mm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRiskLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, risk.Levels())
}

type WeatherResponse struct {
	Sample       models.WeatherSample `json:"sample"`
	Prediction   risk.Prediction      `json:"prediction"`
	QualityFlags []string             `json:"qualityFlags,omitempty"`
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Weather == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "weather provider not configured",
			"risk":  "unknown",
		})
		return
	}

	sample, err := s.Weather.Current(r.Context(), lat, lon)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCoordinates) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Logger.Warn("weather fetch failed", zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "weather data unavailable",
			"risk":  "unknown",
		})
		return
	}

	prediction, err := s.Predictor.Predict(r.Context(), sample)
	if err != nil {
		s.Logger.Error("prediction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	writeJSON(w, http.StatusOK, WeatherResponse{
		Sample:       sample,
		Prediction:   prediction,
		QualityFlags: weather.QualityFlags(sample),
	})
}

type PrecipitationPoint struct {
	models.GeoDataPoint
	Assessment risk.Assessment `json:"assessment"`
	Radius     float64         `json:"radius"`
	Opacity    float64         `json:"opacity"`
}

type PrecipitationResponse struct {
	Provider   string               `json:"provider"`
	UpdatedAt  *time.Time           `json:"updatedAt,omitempty"`
	Stale      bool                 `json:"stale"`
	Refreshing bool                 `json:"refreshing"`
	Zoom       int                  `json:"zoom"`
	Points     []PrecipitationPoint `json:"points"`
}

func (s *Server) handlePrecipitation(w http.ResponseWriter, r *http.Request) {
	zoom := defaultZoom
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		z, err := strconv.Atoi(raw)
		if err != nil || z < 0 || z > maxZoom {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid zoom: %q", raw))
			return
		}
		zoom = z
	}

	snap := s.Scheduler.Snapshot()
	resp := PrecipitationResponse{
		Provider:   snap.Provider,
		Stale:      snap.Stale,
		Refreshing: s.Scheduler.Refreshing(),
		Zoom:       zoom,
		Points:     s.classifyPoints(snap.Points, zoom),
	}
	if !snap.UpdatedAt.IsZero() {
		updated := snap.UpdatedAt
		resp.UpdatedAt = &updated
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.Scheduler.Refresh(r.Context(), ingest.ReasonManual)
	if errors.Is(err, ingest.ErrRefreshInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type RefreshHealthResponse struct {
	Days         []store.RefreshHealthSummary `json:"days"`
	RecentErrors []RefreshError               `json:"recentErrors"`
}

type RefreshError struct {
	RequestID string    `json:"requestId"`
	StartedAt time.Time `json:"startedAt"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
}

func (s *Server) handleRefreshHealth(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 || d > 90 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid days: %q", raw))
			return
		}
		days = d
	}

	summary, err := s.Store.GetRefreshHealth(r.Context(), days)
	if err != nil {
		s.Logger.Error("refresh health", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load refresh health")
		return
	}
	failures, err := s.Store.GetRecentRefreshErrors(r.Context(), 10)
	if err != nil {
		s.Logger.Error("recent refresh errors", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load refresh errors")
		return
	}

	resp := RefreshHealthResponse{
		Days:         summary,
		RecentErrors: make([]RefreshError, 0, len(failures)),
	}
	if resp.Days == nil {
		resp.Days = []store.RefreshHealthSummary{}
	}
	for _, f := range failures {
		resp.RecentErrors = append(resp.RecentErrors, RefreshError{
			RequestID: f.RequestID,
			StartedAt: f.StartedAt,
			Provider:  f.Provider,
			Reason:    f.Reason,
			Error:     f.ErrorMessage.String,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Locations.List())
}

func (s *Server) handleAddLocation(w http.ResponseWriter, r *http.Request) {
	var req watch.NewLocation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := models.ValidateCoordinates(req.Latitude, req.Longitude); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NotificationsEnabled == nil {
		granted := s.Notifier.Permission() == alert.PermissionGranted
		req.NotificationsEnabled = &granted
	}

	loc, err := s.Locations.AddIfAbsent(r.Context(), req)
	if errors.Is(err, watch.ErrAlreadySaved) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.Logger.Error("add location", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save location")
		return
	}
	s.Toasts.Success(loc.Name + " added to your watched locations")
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) handleIsSaved(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": s.Locations.IsSaved(lat, lon)})
}

func (s *Server) handleRemoveLocation(w http.ResponseWriter, r *http.Request) {
	err := s.Locations.Remove(r.Context(), r.PathValue("id"))
	if errors.Is(err, watch.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.Logger.Error("remove location", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not remove location")
		return
	}
	s.Toasts.Success("Location removed from watched list")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleNotifications(w http.ResponseWriter, r *http.Request) {
	loc, err := s.Locations.ToggleNotifications(r.Context(), r.PathValue("id"))
	if errors.Is(err, watch.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.Logger.Error("toggle notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not update location")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]alert.Permission{"permission": s.Notifier.Permission()})
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch req.Decision {
	case "request":
		_, err = s.Notifier.RequestPermission(r.Context())
	case "deny":
		err = s.Notifier.Deny(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown decision %q", req.Decision))
		return
	}
	if err != nil {
		s.Logger.Error("set notification permission", zap.String("decision", req.Decision), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save permission")
		return
	}
	writeJSON(w, http.StatusOK, map[string]alert.Permission{"permission": s.Notifier.Permission()})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", raw))
			return
		}
		limit = n
	}

	alerts, err := s.Store.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.Logger.Error("alert history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load alert history")
		return
	}
	if alerts == nil {
		alerts = []alert.Notification{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleToasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Toasts.Active())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Locations.Reset(r.Context()); err != nil {
		s.Logger.Error("reset locations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not reset locations")
		return
	}
	if err := s.Notifier.Reset(r.Context()); err != nil {
		s.Logger.Error("reset notifier", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not reset notifications")
		return
	}
	s.Toasts.Clear()
	w.WriteHeader(http.StatusNoContent)
}
