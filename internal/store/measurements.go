package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fogline/fogline/internal/record"
)

// SourceEnvironmental and SourceBehavioral name the two flows in rejection
// entries and stats.
const (
	SourceEnvironmental = "environmental"
	SourceBehavioral    = "behavioral"
)

const environmentalColumns = `subject_id, timestamp, pressure_hpa, pressure_change_24h,
	temperature, humidity, hour_of_day, day_of_week, weekend,
	pm25, aqi, co, "no", no2, o3, so2, pm10, nh3`

// UpsertEnvironmental writes a batch of environmental records in a single
// transaction. Subjects are created on first sight. The write is one
// multi-row INSERT with on-conflict update of every environmental column, so
// re-running the same batch is idempotent with the latest values winning.
// A store-level failure rolls back the whole batch and rejects every record
// in it; there are no partial commits within a batch.
func UpsertEnvironmental(db *sql.DB, resolver *SubjectResolver, recs []record.Environmental) (int, []record.Rejection) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, rejectAllEnvironmental(recs, err)
	}
	defer tx.Rollback()

	resolved := make(map[string]int64)
	var valid []record.Environmental
	var ids []int64
	var rejected []record.Rejection

	for _, r := range recs {
		id, ok := resolved[r.Subject]
		if !ok {
			var err error
			id, err = resolver.UpsertTx(tx, r.Subject, r.LocationName, r.Latitude, r.Longitude)
			if err != nil {
				rejected = append(rejected, record.Rejection{
					Source: SourceEnvironmental,
					Record: r.Raw,
					Reason: fmt.Sprintf("could not resolve subject identity: %v", err),
				})
				continue
			}
			resolved[r.Subject] = id
		}
		valid = append(valid, r)
		ids = append(ids, id)
	}

	if len(valid) == 0 {
		return 0, rejected
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO measurements (%s) VALUES `, environmentalColumns)
	args := make([]any, 0, len(valid)*18)
	for i, r := range valid {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			ids[i], formatTS(r.Timestamp),
			r.PressureHPA, r.PressureChange24h, r.Temperature, r.Humidity,
			r.HourOfDay, r.DayOfWeek, r.Weekend,
			r.PM25, r.AQI, r.CO, r.NO, r.NO2, r.O3, r.SO2, r.PM10, r.NH3)
	}
	sb.WriteString(`
		ON CONFLICT (subject_id, timestamp) DO UPDATE SET
			pressure_hpa        = excluded.pressure_hpa,
			pressure_change_24h = excluded.pressure_change_24h,
			temperature         = excluded.temperature,
			humidity            = excluded.humidity,
			hour_of_day         = excluded.hour_of_day,
			day_of_week         = excluded.day_of_week,
			weekend             = excluded.weekend,
			pm25                = excluded.pm25,
			aqi                 = excluded.aqi,
			co                  = excluded.co,
			"no"                = excluded."no",
			no2                 = excluded.no2,
			o3                  = excluded.o3,
			so2                 = excluded.so2,
			pm10                = excluded.pm10,
			nh3                 = excluded.nh3`)

	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return 0, append(rejected, rejectAllEnvironmental(valid, err)...)
	}
	if err := tx.Commit(); err != nil {
		return 0, append(rejected, rejectAllEnvironmental(valid, err)...)
	}

	resolver.Remember(resolved)
	return len(valid), rejected
}

func rejectAllEnvironmental(recs []record.Environmental, err error) []record.Rejection {
	rejected := make([]record.Rejection, 0, len(recs))
	for _, r := range recs {
		rejected = append(rejected, record.Rejection{
			Source: SourceEnvironmental,
			Record: r.Raw,
			Reason: err.Error(),
		})
	}
	return rejected
}

// UpdateBehavioral applies a batch of behavioral records onto existing
// measurement rows. Subjects are resolved but never created here, and a
// record whose (subject, timestamp) row does not exist yet is rejected: the
// environmental flow owns row creation, and accepting behavioral data first
// would orphan it. Survivors are staged into a temp table and applied with
// one UPDATE ... FROM join that touches only behavioral columns.
func UpdateBehavioral(db *sql.DB, resolver *SubjectResolver, recs []record.Behavioral) (int, []record.Rejection) {
	if len(recs) == 0 {
		return 0, nil
	}

	var candidates []record.Behavioral
	var ids []int64
	var rejected []record.Rejection

	for _, r := range recs {
		id, err := resolver.Resolve(r.Subject)
		if err != nil {
			rejected = append(rejected, record.Rejection{
				Source: SourceBehavioral,
				Record: r.Raw,
				Reason: fmt.Sprintf("could not resolve subject identity: %v", err),
			})
			continue
		}
		candidates = append(candidates, r)
		ids = append(ids, id)
	}

	if len(candidates) == 0 {
		return 0, rejected
	}

	existing, err := existingRows(db, ids, candidates)
	if err != nil {
		return 0, append(rejected, rejectAllBehavioral(candidates, err)...)
	}

	var valid []record.Behavioral
	var validIDs []int64
	for i, r := range candidates {
		key := rowKey{ids[i], formatTS(r.Timestamp)}
		if _, ok := existing[key]; !ok {
			rejected = append(rejected, record.Rejection{
				Source: SourceBehavioral,
				Record: r.Raw,
				Reason: fmt.Sprintf("no measurement row exists for subject %q at %s: environmental data must be loaded first",
					r.Subject, formatTS(r.Timestamp)),
			})
			continue
		}
		valid = append(valid, r)
		validIDs = append(validIDs, ids[i])
	}

	if len(valid) == 0 {
		return 0, rejected
	}

	if err := applyBehavioral(db, valid, validIDs); err != nil {
		return 0, append(rejected, rejectAllBehavioral(valid, err)...)
	}
	return len(valid), rejected
}

type rowKey struct {
	subjectID int64
	ts        string
}

func existingRows(db *sql.DB, ids []int64, recs []record.Behavioral) (map[rowKey]struct{}, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT subject_id, timestamp FROM measurements WHERE (subject_id, timestamp) IN (VALUES `)
	args := make([]any, 0, len(recs)*2)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?)")
		args = append(args, ids[i], formatTS(r.Timestamp))
	}
	sb.WriteString(")")

	rows, err := db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("check existing rows: %w", err)
	}
	defer rows.Close()

	existing := make(map[rowKey]struct{})
	for rows.Next() {
		var id int64
		// The column is declared DATETIME, so the driver hands back a
		// time.Time; normalize through formatTS so keys match the write path.
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan existing row: %w", err)
		}
		existing[rowKey{id, formatTS(ts)}] = struct{}{}
	}
	return existing, rows.Err()
}

func applyBehavioral(db *sql.DB, recs []record.Behavioral, ids []int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Temp tables are connection-scoped; the transaction pins one
	// connection, so stage + update + drop must stay inside it.
	if _, err := tx.Exec(`
		CREATE TEMP TABLE staged_behavioral (
			subject_id            INTEGER NOT NULL,
			timestamp             TEXT NOT NULL,
			sleep_hours           REAL,
			phone_usage           INTEGER,
			steps                 INTEGER,
			screen_time_minutes   INTEGER,
			active_energy_kcal    REAL,
			calories_intake       REAL,
			protein_g             REAL,
			carbs_g               REAL,
			fat_g                 REAL,
			sequence_memory_score INTEGER,
			reaction_time_ms      REAL,
			verbal_memory_words   INTEGER
		)`); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO staged_behavioral VALUES `)
	args := make([]any, 0, len(recs)*14)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			ids[i], formatTS(r.Timestamp),
			r.SleepHours, r.PhoneUsage, r.Steps, r.ScreenTimeMinutes,
			r.ActiveEnergyKcal, r.CaloriesIntake, r.ProteinG, r.CarbsG, r.FatG,
			r.SequenceMemoryScore, r.ReactionTimeMS, r.VerbalMemoryWords)
	}
	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("stage behavioral records: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE measurements SET
			sleep_hours           = s.sleep_hours,
			phone_usage           = s.phone_usage,
			steps                 = s.steps,
			screen_time_minutes   = s.screen_time_minutes,
			active_energy_kcal    = s.active_energy_kcal,
			calories_intake       = s.calories_intake,
			protein_g             = s.protein_g,
			carbs_g               = s.carbs_g,
			fat_g                 = s.fat_g,
			sequence_memory_score = s.sequence_memory_score,
			reaction_time_ms      = s.reaction_time_ms,
			verbal_memory_words   = s.verbal_memory_words
		FROM staged_behavioral AS s
		WHERE measurements.subject_id = s.subject_id
		  AND measurements.timestamp = s.timestamp`); err != nil {
		return fmt.Errorf("apply behavioral updates: %w", err)
	}

	if _, err := tx.Exec(`DROP TABLE staged_behavioral`); err != nil {
		return fmt.Errorf("drop staging table: %w", err)
	}

	return tx.Commit()
}

func rejectAllBehavioral(recs []record.Behavioral, err error) []record.Rejection {
	rejected := make([]record.Rejection, 0, len(recs))
	for _, r := range recs {
		rejected = append(rejected, record.Rejection{
			Source: SourceBehavioral,
			Record: r.Raw,
			Reason: err.Error(),
		})
	}
	return rejected
}

// PressureNear returns the pressure reading closest to target within ±window
// for the subject, or nil when none exists. The environmental reader uses it
// to derive the 24h pressure change.
func PressureNear(db *sql.DB, subjectID int64, target time.Time, window time.Duration) (*float64, error) {
	start := formatTS(target.Add(-window))
	end := formatTS(target.Add(window))

	var pressure float64
	err := db.QueryRow(`
		SELECT pressure_hpa FROM measurements
		WHERE subject_id = ?
		  AND timestamp BETWEEN ? AND ?
		  AND pressure_hpa IS NOT NULL
		ORDER BY ABS(strftime('%s', timestamp) - strftime('%s', ?))
		LIMIT 1
	`, subjectID, start, end, formatTS(target)).Scan(&pressure)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query historical pressure: %w", err)
	}
	return &pressure, nil
}

// TableCounts returns row counts for the run summary.
func TableCounts(db *sql.DB) (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"subjects", "measurements", "rejected_records"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
