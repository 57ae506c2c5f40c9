package precip

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/floodwatch/internal/models"
)

// Simulated generates plausible precipitation from latitude, longitude and
// season. It is only used when no real provider is configured.
type Simulated struct {
	grid  []GridPoint
	clock clockwork.Clock
	loc   *time.Location

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulated(grid []GridPoint, clock clockwork.Clock, loc *time.Location, rnd *rand.Rand) *Simulated {
	if loc == nil {
		loc = time.UTC
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return &Simulated{grid: grid, clock: clock, loc: loc, rnd: rnd}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Fetch(ctx context.Context) ([]models.GeoDataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clock.Now().In(s.loc)
	date := now.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	points := make([]models.GeoDataPoint, len(s.grid))
	for i, g := range s.grid {
		points[i] = models.GeoDataPoint{
			Latitude:        g.Latitude,
			Longitude:       g.Longitude,
			PrecipitationMM: s.generate(g.Latitude, g.Longitude, now.YearDay()),
			ObservationDate: date,
			LocationName:    g.Name,
		}
	}
	return points, nil
}

// generate sums a wet-tropics baseline, an Asian monsoon term in its season,
// a longitude ripple standing in for coastal effects, daily noise and a
// hemisphere-aware seasonal swing. Caller holds mu.
func (s *Simulated) generate(lat, lon float64, dayOfYear int) float64 {
	tropical := math.Max(0, 1-math.Abs(lat)/30) * 40

	monsoon := 0.0
	if lat > 0 && lat < 35 && lon > 60 && lon < 140 && dayOfYear > 150 && dayOfYear < 270 {
		monsoon = s.rnd.Float64() * 60
	}

	coastal := math.Sin(lon*0.5) * 15
	daily := s.rnd.Float64() * 30

	var seasonal float64
	if lat > 0 {
		seasonal = math.Sin(float64(dayOfYear)/365*2*math.Pi) * 15
	} else {
		seasonal = math.Sin(float64(dayOfYear+182)/365*2*math.Pi) * 15
	}

	base := 10 + tropical + monsoon + coastal + daily + seasonal
	return math.Max(0, math.Round(base*10)/10)
}
