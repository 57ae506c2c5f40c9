package precip

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/lox/floodwatch/internal/models"
)

// GridPoint is one monitored coordinate.
type GridPoint struct {
	Name      string  `mapstructure:"name" json:"name"`
	Latitude  float64 `mapstructure:"latitude" json:"latitude"`
	Longitude float64 `mapstructure:"longitude" json:"longitude"`
}

// DefaultGrid covers major cities on every inhabited continent plus a few
// remote points for coverage.
var DefaultGrid = []GridPoint{
	// North America
	{"New York, USA", 40.7128, -74.0060},
	{"Los Angeles, USA", 34.0522, -118.2437},
	{"Chicago, USA", 41.8781, -87.6298},
	{"Houston, USA", 29.7604, -95.3698},
	{"Vancouver, Canada", 49.2827, -123.1207},
	{"Miami, USA", 25.7617, -80.1918},
	{"Mexico City, Mexico", 19.4326, -99.1332},

	// South America
	{"São Paulo, Brazil", -23.5505, -46.6333},
	{"Buenos Aires, Argentina", -34.6037, -58.3816},
	{"Rio de Janeiro, Brazil", -22.9068, -43.1729},
	{"Bogotá, Colombia", 4.7110, -74.0721},
	{"Lima, Peru", -12.0464, -77.0428},
	{"Santiago, Chile", -33.4489, -70.6693},

	// Europe
	{"London, UK", 51.5074, -0.1278},
	{"Paris, France", 48.8566, 2.3522},
	{"Berlin, Germany", 52.5200, 13.4050},
	{"Rome, Italy", 41.9028, 12.4964},
	{"Madrid, Spain", 40.4168, -3.7038},
	{"Amsterdam, Netherlands", 52.3676, 4.9041},
	{"Moscow, Russia", 55.7558, 37.6173},
	{"Oslo, Norway", 59.9139, 10.7522},
	{"Vienna, Austria", 48.2082, 16.3738},

	// Asia
	{"Tokyo, Japan", 35.6762, 139.6503},
	{"Beijing, China", 39.9042, 116.4074},
	{"Shanghai, China", 31.2304, 121.4737},
	{"Hong Kong", 22.3193, 114.1694},
	{"Singapore", 1.3521, 103.8198},
	{"New Delhi, India", 28.6139, 77.2090},
	{"Mumbai, India", 19.0760, 72.8777},
	{"Bangkok, Thailand", 13.7563, 100.5018},
	{"Seoul, South Korea", 37.5665, 126.9780},
	{"Manila, Philippines", 14.5995, 120.9842},
	{"Jakarta, Indonesia", -6.2088, 106.8456},
	{"Dubai, UAE", 25.2048, 55.2708},
	{"Tehran, Iran", 35.6892, 51.3890},

	// Africa
	{"Cairo, Egypt", 30.0444, 31.2357},
	{"Cape Town, South Africa", -33.9249, 18.4241},
	{"Nairobi, Kenya", -1.2921, 36.8219},
	{"Lagos, Nigeria", 6.5244, 3.3792},
	{"Casablanca, Morocco", 33.5731, -7.5898},
	{"Johannesburg, South Africa", -26.2041, 28.0473},

	// Oceania
	{"Sydney, Australia", -33.8688, 151.2093},
	{"Melbourne, Australia", -37.8136, 144.9631},
	{"Auckland, New Zealand", -36.8509, 174.7645},
	{"Brisbane, Australia", -27.4698, 153.0251},
	{"Perth, Australia", -31.9505, 115.8605},

	// Remote coverage
	{"Reykjavik, Iceland", 64.1466, -21.9426},
	{"Ushuaia, Argentina", -54.8019, -68.3030},
	{"Svalbard, Norway", 78.2232, 15.6267},
	{"Honolulu, Hawaii", 21.3069, -157.8583},
	{"Suva, Fiji", -17.7134, 178.0650},
}

// LoadGrid reads grid points from a YAML, JSON or TOML file with a
// top-level "points" list.
func LoadGrid(path string) ([]GridPoint, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read grid file: %w", err)
	}

	var points []GridPoint
	if err := v.UnmarshalKey("points", &points); err != nil {
		return nil, fmt.Errorf("decode grid file: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("grid file %s has no points", path)
	}
	for i, p := range points {
		if p.Name == "" {
			return nil, fmt.Errorf("grid point %d: missing name", i)
		}
		if err := models.ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
			return nil, fmt.Errorf("grid point %q: %w", p.Name, err)
		}
	}
	return points, nil
}
