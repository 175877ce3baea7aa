package reader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fogline/fogline/internal/record"
	"github.com/fogline/fogline/internal/store"
)

// pressureLookupWindow bounds how far from (now - 24h) a historical reading
// may be and still count for the pressure change derivation.
const pressureLookupWindow = 30 * time.Minute

// WeatherReader fetches current weather and pollutant concentrations for
// every subject with known coordinates. Network failures are logged and
// yield an empty result; a dead weather API must not sink the run.
type WeatherReader struct {
	DB     *sql.DB
	Client *http.Client

	WeatherURL      string
	AirPollutionURL string
	APIKey          string

	Log *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

type weatherResponse struct {
	Main struct {
		Temp     *float64 `json:"temp"`
		Pressure *float64 `json:"pressure"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
}

type airPollutionResponse struct {
	List []struct {
		Components map[string]float64 `json:"components"`
	} `json:"list"`
}

func (r *WeatherReader) Read(ctx context.Context) ([]record.Raw, error) {
	subjects, err := store.SubjectsWithCoordinates(r.DB)
	if err != nil {
		return nil, fmt.Errorf("list subjects with coordinates: %w", err)
	}
	if len(subjects) == 0 {
		r.Log.Warn("no subjects with coordinates, nothing to fetch")
		return nil, nil
	}

	var records []record.Raw
	for _, s := range subjects {
		rec, err := r.fetchSubject(ctx, s)
		if err != nil {
			r.Log.Warn("weather fetch failed",
				zap.String("subject", s.Name), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *WeatherReader) fetchSubject(ctx context.Context, s store.Subject) (record.Raw, error) {
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}

	rec := record.Raw{
		"subject":   s.Name,
		"timestamp": now.Format("2006-01-02 15:04"),
	}
	if s.LocationName != nil {
		rec["location_name"] = *s.LocationName
	}
	if s.Latitude != nil {
		rec["latitude"] = *s.Latitude
	}
	if s.Longitude != nil {
		rec["longitude"] = *s.Longitude
	}

	var weather weatherResponse
	if err := r.getJSON(ctx, r.WeatherURL, url.Values{
		"lat":   {fmt.Sprint(*s.Latitude)},
		"lon":   {fmt.Sprint(*s.Longitude)},
		"appid": {r.APIKey},
		"units": {"imperial"},
	}, &weather); err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}

	if weather.Main.Pressure != nil {
		rec["pressure_hpa"] = *weather.Main.Pressure
	}
	if weather.Main.Temp != nil {
		rec["temperature"] = *weather.Main.Temp
	}
	if weather.Main.Humidity != nil {
		rec["humidity"] = *weather.Main.Humidity
	}

	var pollution airPollutionResponse
	if err := r.getJSON(ctx, r.AirPollutionURL, url.Values{
		"lat":   {fmt.Sprint(*s.Latitude)},
		"lon":   {fmt.Sprint(*s.Longitude)},
		"appid": {r.APIKey},
	}, &pollution); err != nil {
		// Pollutants are optional; the weather half alone is still a
		// useful record.
		r.Log.Warn("air pollution fetch failed",
			zap.String("subject", s.Name), zap.Error(err))
	} else if len(pollution.List) > 0 {
		components := pollution.List[0].Components
		for apiKey, field := range map[string]string{
			"co": "co", "no": "no", "no2": "no2", "o3": "o3",
			"so2": "so2", "pm2_5": "pm25", "pm10": "pm10", "nh3": "nh3",
		} {
			if v, ok := components[apiKey]; ok {
				rec[field] = v
			}
		}
		if pm25, ok := components["pm2_5"]; ok {
			rec["aqi"] = float64(AQIFromPM25(pm25))
		}
	}

	if pressure, ok := rec["pressure_hpa"].(float64); ok {
		change, err := r.pressureChange24h(s.ID, pressure, now)
		if err != nil {
			r.Log.Debug("no historical pressure available", zap.Error(err))
		} else {
			rec["pressure_change_24h"] = change
		}
	}

	return rec, nil
}

func (r *WeatherReader) getJSON(ctx context.Context, base string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pressureChange24h derives the 24-hour pressure change from the nearest
// stored reading around this time yesterday, zero when none exists.
func (r *WeatherReader) pressureChange24h(subjectID int64, current float64, now time.Time) (float64, error) {
	historical, err := store.PressureNear(r.DB, subjectID, now.Add(-24*time.Hour), pressureLookupWindow)
	if err != nil {
		return 0, err
	}
	if historical == nil {
		return 0, nil
	}
	return current - *historical, nil
}

// AQIFromPM25 maps a pm2.5 concentration (µg/m³) onto the EPA AQI scale
// using the piecewise breakpoint table.
func AQIFromPM25(pm25 float64) int {
	switch {
	case pm25 <= 12.0:
		return int((50 / 12.0) * pm25)
	case pm25 <= 35.4:
		return int(50 + (50/23.4)*(pm25-12.0))
	case pm25 <= 55.4:
		return int(100 + (50/20.0)*(pm25-35.4))
	case pm25 <= 150.4:
		return int(150 + (100/95.0)*(pm25-55.4))
	default:
		return 250
	}
}
