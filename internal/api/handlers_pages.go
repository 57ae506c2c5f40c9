package api

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := s.Scheduler.Snapshot()
	points := s.classifyPoints(snap.Points, defaultZoom)

	data := IndexData{
		Now:        s.Clock.Now(),
		Provider:   snap.Provider,
		Stale:      snap.Stale,
		LastError:  snap.LastError,
		Legend:     risk.Levels(),
		Counts:     make(map[risk.Level]int),
		Permission: s.Notifier.Permission(),
		Toasts:     s.Toasts.Active(),
	}
	if !snap.UpdatedAt.IsZero() {
		updated := snap.UpdatedAt
		data.UpdatedAt = &updated
	}

	for _, p := range points {
		data.Counts[p.Assessment.Level]++
		if p.Assessment.Level.Alerting() {
			data.Alerting = append(data.Alerting, p)
		}
	}
	sort.SliceStable(data.Alerting, func(i, j int) bool {
		return data.Alerting[i].PrecipitationMM > data.Alerting[j].PrecipitationMM
	})

	for _, loc := range s.Locations.List() {
		row := WatchedRow{SavedLocation: loc}
		for i := range points {
			if models.Near(loc.Latitude, loc.Longitude, points[i].Latitude, points[i].Longitude, alert.MatchTolerance) {
				row.Reading = &points[i]
				break
			}
		}
		data.Watched = append(data.Watched, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.Logger.Error("template error", zap.String("template", "index.html"), zap.Error(err))
	}
}

// classifyPoints attaches an assessment and circle styling to each reading.
// Readings that cannot be classified are skipped.
func (s *Server) classifyPoints(points []models.GeoDataPoint, zoom int) []PrecipitationPoint {
	out := make([]PrecipitationPoint, 0, len(points))
	for _, p := range points {
		a, err := risk.Classify(p.PrecipitationMM)
		if err != nil {
			s.Logger.Warn("skipping unclassifiable point", zap.String("location", p.LocationName), zap.Error(err))
			continue
		}
		out = append(out, PrecipitationPoint{
			GeoDataPoint: p,
			Assessment:   a,
			Radius:       risk.CircleRadius(p.PrecipitationMM, zoom),
			Opacity:      risk.CircleOpacity(p.PrecipitationMM),
		})
	}
	return out
}
