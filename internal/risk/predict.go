package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/lox/floodwatch/internal/models"
)

// Factor weights. They sum to 1 so the probability stays within [0,100].
const (
	rainfallWeight   = 0.40
	humidityWeight   = 0.25
	pressureWeight   = 0.20
	historicalWeight = 0.15
)

// Probability band boundaries, exclusive upper bounds.
const (
	lowBandMax      = 25
	moderateBandMax = 50
	highBandMax     = 75
)

// Factors are the four normalized inputs to the probability model, each in [0,100].
type Factors struct {
	Rainfall       float64 `json:"rainfall"`
	Humidity       float64 `json:"humidity"`
	Pressure       float64 `json:"pressure"`
	HistoricalRisk float64 `json:"historicalRisk"`
}

type Prediction struct {
	Level           Level    `json:"level"`
	Probability     int      `json:"probability"`
	Factors         Factors  `json:"factors"`
	Recommendations []string `json:"recommendations"`
}

var recommendations = map[Level][]string{
	LevelLow: {
		"Normal conditions - no immediate action required",
		"Stay informed about weather updates",
		"Ensure emergency kit is prepared",
	},
	LevelModerate: {
		"Monitor weather conditions closely",
		"Review evacuation routes",
		"Secure loose outdoor items",
		"Check drainage systems",
	},
	LevelHigh: {
		"Prepare for potential evacuation",
		"Move valuables to higher ground",
		"Stock emergency supplies",
		"Stay away from low-lying areas",
		"Keep emergency contacts ready",
	},
	LevelSevere: {
		"Evacuate if advised by authorities",
		"Avoid all flood-prone areas",
		"Do not attempt to cross flooded roads",
		"Contact emergency services if stranded",
		"Move to higher ground immediately",
	},
}

// Predict converts a weather sample into a flood probability. historicalRisk
// is clamped to [0,100] like every other factor.
func Predict(sample models.WeatherSample, historicalRisk float64) Prediction {
	f := Factors{
		Rainfall:       clamp(sample.RainfallMM*10, 0, 100),
		Humidity:       clamp(sample.Humidity, 0, 100),
		Pressure:       clamp(100-((sample.PressureHPa-980)/40)*100, 0, 100),
		HistoricalRisk: clamp(historicalRisk, 0, 100),
	}

	probability := int(math.Round(
		rainfallWeight*f.Rainfall +
			humidityWeight*f.Humidity +
			pressureWeight*f.Pressure +
			historicalWeight*f.HistoricalRisk,
	))

	level := band(probability)
	recs := make([]string, len(recommendations[level]))
	copy(recs, recommendations[level])

	return Prediction{
		Level:           level,
		Probability:     probability,
		Factors:         f,
		Recommendations: recs,
	}
}

func band(probability int) Level {
	switch {
	case probability < lowBandMax:
		return LevelLow
	case probability < moderateBandMax:
		return LevelModerate
	case probability < highBandMax:
		return LevelHigh
	default:
		return LevelSevere
	}
}

// clamp also maps NaN to lo so a malformed sample cannot escape the range.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HistoricalSource supplies the climatological flood baseline for a point.
type HistoricalSource interface {
	HistoricalRisk(ctx context.Context, lat, lon float64) (float64, error)
}

// FixedHistory is a HistoricalSource that always returns the same baseline.
type FixedHistory float64

func (f FixedHistory) HistoricalRisk(context.Context, float64, float64) (float64, error) {
	return float64(f), nil
}

// Predictor pairs the probability model with a historical baseline lookup.
type Predictor struct {
	History HistoricalSource
}

func (p Predictor) Predict(ctx context.Context, sample models.WeatherSample) (Prediction, error) {
	if p.History == nil {
		return Prediction{}, fmt.Errorf("predict: no historical source configured")
	}
	hist, err := p.History.HistoricalRisk(ctx, sample.Latitude, sample.Longitude)
	if err != nil {
		return Prediction{}, fmt.Errorf("historical risk: %w", err)
	}
	return Predict(sample, hist), nil
}
