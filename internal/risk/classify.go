package risk

import (
	"errors"
	"fmt"
	"math"
)

// Level is a flood risk tier. The precipitation classifier tops out at
// LevelExtreme; the weather probability model uses LevelSevere instead.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelExtreme  Level = "extreme"
	LevelSevere   Level = "severe"
)

// Precipitation thresholds in millimetres. Each is the inclusive lower bound
// of its tier.
const (
	ModerateThresholdMM = 20.0
	HighThresholdMM     = 50.0
	ExtremeThresholdMM  = 80.0
)

var ErrInvalidPrecipitation = errors.New("invalid precipitation")

// Assessment is the map-facing classification of a precipitation reading.
type Assessment struct {
	Level       Level  `json:"level"`
	Color       string `json:"color"`
	FillColor   string `json:"fillColor"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Alerting reports whether the level warrants a user notification.
func (l Level) Alerting() bool {
	return l == LevelHigh || l == LevelExtreme || l == LevelSevere
}

var (
	lowAssessment = Assessment{
		Level:       LevelLow,
		Color:       "#22c55e",
		FillColor:   "rgba(34, 197, 94, 0.6)",
		Label:       "Low Risk",
		Description: "Normal conditions, no flood threat expected",
	}
	moderateAssessment = Assessment{
		Level:       LevelModerate,
		Color:       "#eab308",
		FillColor:   "rgba(234, 179, 8, 0.6)",
		Label:       "Moderate Risk",
		Description: "Increased precipitation, monitor local conditions",
	}
	highAssessment = Assessment{
		Level:       LevelHigh,
		Color:       "#f97316",
		FillColor:   "rgba(249, 115, 22, 0.6)",
		Label:       "High Risk",
		Description: "Significant rainfall, flash flooding possible",
	}
	extremeAssessment = Assessment{
		Level:       LevelExtreme,
		Color:       "#ef4444",
		FillColor:   "rgba(239, 68, 68, 0.7)",
		Label:       "Extreme Risk",
		Description: "Severe flooding likely, seek higher ground",
	}
)

// Classify maps a precipitation amount in millimetres to a risk tier.
// Intervals are half-open: 20.0 is moderate, 80.0 is extreme.
func Classify(precipitationMM float64) (Assessment, error) {
	if math.IsNaN(precipitationMM) || math.IsInf(precipitationMM, 0) || precipitationMM < 0 {
		return Assessment{}, fmt.Errorf("%w: %v", ErrInvalidPrecipitation, precipitationMM)
	}

	switch {
	case precipitationMM < ModerateThresholdMM:
		return lowAssessment, nil
	case precipitationMM < HighThresholdMM:
		return moderateAssessment, nil
	case precipitationMM < ExtremeThresholdMM:
		return highAssessment, nil
	default:
		return extremeAssessment, nil
	}
}

// Levels returns the legend shown alongside the precipitation overlay.
func Levels() []Assessment {
	legend := []Assessment{lowAssessment, moderateAssessment, highAssessment, extremeAssessment}
	legend[0].Description = "< 20mm precipitation"
	legend[1].Description = "20-50mm precipitation"
	legend[2].Description = "50-80mm precipitation"
	legend[3].Description = "> 80mm precipitation"
	return legend
}

// CircleRadius returns the overlay circle radius in metres for a reading at
// the given map zoom level.
func CircleRadius(precipitationMM float64, zoom int) float64 {
	base := math.Min(50000, math.Max(20000, precipitationMM*500))
	return base / math.Pow(2, float64(zoom-2))
}

// CircleOpacity scales overlay opacity with precipitation.
func CircleOpacity(precipitationMM float64) float64 {
	return math.Min(0.8, math.Max(0.3, precipitationMM/100))
}
