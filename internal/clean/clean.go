// Package clean normalizes loosely-typed raw records into the typed
// measurement halves the store expects. Cleaning never fails: malformed
// input yields defaults or nulls.
package clean

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fogline/fogline/internal/record"
)

// Timestamp layouts accepted from upstream sources, most specific first.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// SafeFloat converts v to a float64, returning def for nil, empty, or
// malformed input.
func SafeFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case nil:
		return def
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return def
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// SafeInt converts v to an int, going through float so "4.8" becomes 4.
func SafeInt(v any, def int) int {
	sentinel := math.NaN()
	f := SafeFloat(v, sentinel)
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

// SafeBool converts v to a bool. Strings Y, YES, TRUE and 1 (any case)
// are true; any other string is false.
func SafeBool(v any, def bool) bool {
	switch b := v.(type) {
	case nil:
		return def
	case bool:
		return b
	case string:
		switch strings.ToUpper(strings.TrimSpace(b)) {
		case "Y", "YES", "TRUE", "1":
			return true
		default:
			return false
		}
	case float64:
		return b != 0
	case int:
		return b != 0
	default:
		return def
	}
}

// FloatOrNull converts v to a *float64, yielding nil for missing, empty,
// malformed, or NaN input.
func FloatOrNull(v any) *float64 {
	sentinel := math.Inf(-1)
	f := SafeFloat(v, sentinel)
	if f == sentinel || math.IsNaN(f) {
		return nil
	}
	return &f
}

// IntOrNull converts v to a *int64 via float, yielding nil when v is not
// numeric.
func IntOrNull(v any) *int64 {
	f := FloatOrNull(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

// StringOrNull returns a trimmed *string, nil for missing or empty input.
func StringOrNull(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ParseTimestamp parses a timestamp from its string or native form.
// Unparseable input falls back to the current time.
func ParseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed
			}
		}
	}
	return time.Now()
}

// RoundToHour rounds t to the nearest hour; minute 30 and above rounds up.
// Both flows round the same way so records collected within the same hour
// collide on one (subject, timestamp) key.
func RoundToHour(t time.Time) time.Time {
	rounded := t.Truncate(time.Hour)
	if t.Minute() >= 30 {
		rounded = rounded.Add(time.Hour)
	}
	return rounded
}

// Environmental cleans a raw external-factor record. The timestamp is
// normalized and rounded, and the calendar fields are derived from it rather
// than trusted from the input.
func Environmental(raw record.Raw) record.Environmental {
	ts := RoundToHour(ParseTimestamp(raw["timestamp"]))
	dow := int(ts.Weekday())
	if dow == 0 {
		dow = 7 // ISO: Monday=1 .. Sunday=7
	}

	return record.Environmental{
		Subject:   strings.TrimSpace(SafeString(raw["subject"])),
		Timestamp: ts,

		LocationName: StringOrNull(raw["location_name"]),
		Latitude:     FloatOrNull(raw["latitude"]),
		Longitude:    FloatOrNull(raw["longitude"]),

		PressureHPA:       FloatOrNull(raw["pressure_hpa"]),
		PressureChange24h: SafeFloat(raw["pressure_change_24h"], 0),
		Temperature:       FloatOrNull(raw["temperature"]),
		Humidity:          FloatOrNull(raw["humidity"]),
		HourOfDay:         ts.Hour(),
		DayOfWeek:         dow,
		Weekend:           dow >= 6,
		PM25:              FloatOrNull(raw["pm25"]),
		AQI:               IntOrNull(raw["aqi"]),
		CO:                FloatOrNull(raw["co"]),
		NO:                FloatOrNull(raw["no"]),
		NO2:               FloatOrNull(raw["no2"]),
		O3:                FloatOrNull(raw["o3"]),
		SO2:               FloatOrNull(raw["so2"]),
		PM10:              FloatOrNull(raw["pm10"]),
		NH3:               FloatOrNull(raw["nh3"]),

		Raw: raw,
	}
}

// Behavioral cleans a raw user-tracking record.
func Behavioral(raw record.Raw) record.Behavioral {
	ts := RoundToHour(ParseTimestamp(raw["timestamp"]))

	return record.Behavioral{
		Subject:   strings.TrimSpace(SafeString(raw["subject"])),
		Timestamp: ts,

		SleepHours:          FloatOrNull(raw["sleep_hours"]),
		PhoneUsage:          IntOrNull(raw["phone_usage"]),
		Steps:               IntOrNull(raw["steps"]),
		ScreenTimeMinutes:   IntOrNull(raw["screen_time_minutes"]),
		ActiveEnergyKcal:    FloatOrNull(raw["active_energy_kcal"]),
		CaloriesIntake:      FloatOrNull(raw["calories_intake"]),
		ProteinG:            FloatOrNull(raw["protein_g"]),
		CarbsG:              FloatOrNull(raw["carbs_g"]),
		FatG:                FloatOrNull(raw["fat_g"]),
		SequenceMemoryScore: IntOrNull(raw["sequence_memory_score"]),
		ReactionTimeMS:      FloatOrNull(raw["reaction_time_ms"]),
		VerbalMemoryWords:   IntOrNull(raw["verbal_memory_words"]),

		Raw: raw,
	}
}

// SafeString renders v as a string, empty for nil or non-scalar input.
func SafeString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case bool:
		return strconv.FormatBool(n)
	default:
		return ""
	}
}

// PrepareEnvironmental is the final pass before the store sees a record:
// NaN sentinels become nulls and the timestamp is canonicalized to UTC at
// second precision.
func PrepareEnvironmental(e record.Environmental) record.Environmental {
	e.Timestamp = canonicalTime(e.Timestamp)
	e.PressureHPA = dropNaN(e.PressureHPA)
	e.Temperature = dropNaN(e.Temperature)
	e.Humidity = dropNaN(e.Humidity)
	e.PM25 = dropNaN(e.PM25)
	e.CO = dropNaN(e.CO)
	e.NO = dropNaN(e.NO)
	e.NO2 = dropNaN(e.NO2)
	e.O3 = dropNaN(e.O3)
	e.SO2 = dropNaN(e.SO2)
	e.PM10 = dropNaN(e.PM10)
	e.NH3 = dropNaN(e.NH3)
	e.Latitude = dropNaN(e.Latitude)
	e.Longitude = dropNaN(e.Longitude)
	if math.IsNaN(e.PressureChange24h) {
		e.PressureChange24h = 0
	}
	return e
}

// PrepareBehavioral mirrors PrepareEnvironmental for the behavioral half.
func PrepareBehavioral(b record.Behavioral) record.Behavioral {
	b.Timestamp = canonicalTime(b.Timestamp)
	b.SleepHours = dropNaN(b.SleepHours)
	b.ActiveEnergyKcal = dropNaN(b.ActiveEnergyKcal)
	b.CaloriesIntake = dropNaN(b.CaloriesIntake)
	b.ProteinG = dropNaN(b.ProteinG)
	b.CarbsG = dropNaN(b.CarbsG)
	b.FatG = dropNaN(b.FatG)
	b.ReactionTimeMS = dropNaN(b.ReactionTimeMS)
	return b
}

func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func dropNaN(f *float64) *float64 {
	if f != nil && math.IsNaN(*f) {
		return nil
	}
	return f
}
