package weather

import "github.com/lox/floodwatch/internal/models"

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagRainfallNegative   = "rainfall_negative"
)

// QualityFlags lists implausible readings in a sample. The probability model
// clamps every factor, so flagged samples still predict; the flags are
// surfaced alongside the prediction.
func QualityFlags(s models.WeatherSample) []string {
	var flags []string

	if s.Temperature < -90 || s.Temperature > 60 {
		flags = append(flags, FlagTempOutOfRange)
	}
	if s.Humidity < 0 || s.Humidity > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}
	if s.WindSpeed < 0 || s.WindSpeed > 120 {
		flags = append(flags, FlagWindSpeedUnlikely)
	}
	if s.PressureHPa < 870 || s.PressureHPa > 1085 {
		flags = append(flags, FlagPressureOutOfRange)
	}
	if s.RainfallMM < 0 {
		flags = append(flags, FlagRainfallNegative)
	}

	return flags
}
