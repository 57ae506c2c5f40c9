package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidCoordinates is returned for latitude/longitude pairs that are
// NaN, infinite or outside the WGS-84 range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// WeatherSample is one current-conditions reading from the weather provider.
type WeatherSample struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	PressureHPa float64   `json:"pressureHPa"`
	WindSpeed   float64   `json:"windSpeed"`
	RainfallMM  float64   `json:"rainfallMm"`
	Description string    `json:"description"`
	Icon        string    `json:"icon,omitempty"`
	CityName    string    `json:"cityName"`
	CountryCode string    `json:"countryCode"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// GeoDataPoint is a precipitation reading for one monitored grid point.
type GeoDataPoint struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	PrecipitationMM float64 `json:"precipitationMm"`
	ObservationDate string  `json:"observationDate"` // YYYY-MM-DD
	LocationName    string  `json:"locationName"`
}

// SavedLocation is a user-watched point. ID is assigned once on creation.
type SavedLocation struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	NotificationsEnabled bool    `json:"notificationsEnabled"`
}

func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinates, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinates, lon)
	}
	return nil
}

// Near reports whether two points differ by less than tolerance degrees in
// both latitude and longitude.
func Near(lat1, lon1, lat2, lon2, tolerance float64) bool {
	return math.Abs(lat1-lat2) < tolerance && math.Abs(lon1-lon2) < tolerance
}
