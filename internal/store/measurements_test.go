package store

import (
	"strings"
	"testing"
	"time"

	"github.com/fogline/fogline/internal/record"
	"github.com/fogline/fogline/internal/testutil"
)

func iptr(n int64) *int64 { return &n }

func envRecord(subject string, ts time.Time, pressure float64) record.Environmental {
	return record.Environmental{
		Subject:     subject,
		Timestamp:   ts,
		PressureHPA: fptr(pressure),
		Temperature: fptr(68.0),
		HourOfDay:   ts.Hour(),
		DayOfWeek:   1,
		Raw:         record.Raw{"subject": subject},
	}
}

func TestUpsertEnvironmentalCreatesSubjectsAndRows(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	recs := []record.Environmental{
		envRecord("Alice", ts, 1013.2),
		envRecord("Bob", ts, 1009.8),
		envRecord("Alice", ts.Add(time.Hour), 1014.0),
	}

	loaded, rejected := UpsertEnvironmental(db, resolver, recs)
	if loaded != 3 || len(rejected) != 0 {
		t.Fatalf("loaded=%d rejected=%v, want 3 loaded", loaded, rejected)
	}

	counts, err := TableCounts(db)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["subjects"] != 2 {
		t.Fatalf("subjects = %d, want 2", counts["subjects"])
	}
	if counts["measurements"] != 3 {
		t.Fatalf("measurements = %d, want 3", counts["measurements"])
	}
}

func TestUpsertEnvironmentalIdempotentLatestWins(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	first := []record.Environmental{envRecord("Alice", ts, 1000.0)}
	if loaded, rejected := UpsertEnvironmental(db, resolver, first); loaded != 1 || len(rejected) != 0 {
		t.Fatalf("first load: loaded=%d rejected=%v", loaded, rejected)
	}

	second := []record.Environmental{envRecord("Alice", ts, 1020.5)}
	if loaded, rejected := UpsertEnvironmental(db, resolver, second); loaded != 1 || len(rejected) != 0 {
		t.Fatalf("second load: loaded=%d rejected=%v", loaded, rejected)
	}

	var n int
	var pressure float64
	if err := db.QueryRow(`SELECT COUNT(*), MAX(pressure_hpa) FROM measurements`).Scan(&n, &pressure); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Fatalf("row count = %d, want 1 (same key must not duplicate)", n)
	}
	if pressure != 1020.5 {
		t.Fatalf("pressure = %v, want latest value 1020.5", pressure)
	}
}

func TestUpsertEnvironmentalRejectsEmptySubject(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	recs := []record.Environmental{
		envRecord("", ts, 1000.0),
		envRecord("Alice", ts, 1013.0),
	}
	loaded, rejected := UpsertEnvironmental(db, resolver, recs)
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	if len(rejected) != 1 {
		t.Fatalf("rejected = %v, want 1 rejection", rejected)
	}
	if !strings.Contains(rejected[0].Reason, "could not resolve subject identity") {
		t.Fatalf("unexpected reason: %s", rejected[0].Reason)
	}
}

func TestUpdateBehavioralRequiresEnvironmentalFirst(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	behavioral := []record.Behavioral{{
		Subject:    "Alice",
		Timestamp:  ts,
		SleepHours: fptr(7.5),
		Steps:      iptr(8000),
		Raw:        record.Raw{"subject": "Alice"},
	}}

	// No subject exists yet.
	loaded, rejected := UpdateBehavioral(db, resolver, behavioral)
	if loaded != 0 || len(rejected) != 1 {
		t.Fatalf("loaded=%d rejected=%d, want 0/1", loaded, len(rejected))
	}
	if !strings.Contains(rejected[0].Reason, "could not resolve subject identity") {
		t.Fatalf("unexpected reason: %s", rejected[0].Reason)
	}

	// Subject exists but the measurement row does not.
	env := []record.Environmental{envRecord("Alice", ts.Add(48*time.Hour), 1013.0)}
	if loaded, rej := UpsertEnvironmental(db, resolver, env); loaded != 1 || len(rej) != 0 {
		t.Fatalf("env load failed: %d %v", loaded, rej)
	}
	loaded, rejected = UpdateBehavioral(db, resolver, behavioral)
	if loaded != 0 || len(rejected) != 1 {
		t.Fatalf("loaded=%d rejected=%d, want 0/1", loaded, len(rejected))
	}
	if !strings.Contains(rejected[0].Reason, "environmental data must be loaded first") {
		t.Fatalf("unexpected reason: %s", rejected[0].Reason)
	}

	// After the matching environmental row lands the update succeeds.
	env = []record.Environmental{envRecord("Alice", ts, 1013.0)}
	if loaded, rej := UpsertEnvironmental(db, resolver, env); loaded != 1 || len(rej) != 0 {
		t.Fatalf("env load failed: %d %v", loaded, rej)
	}
	loaded, rejected = UpdateBehavioral(db, resolver, behavioral)
	if loaded != 1 || len(rejected) != 0 {
		t.Fatalf("loaded=%d rejected=%v, want 1/none", loaded, rejected)
	}

	var sleep float64
	var steps int64
	var pressure float64
	err := db.QueryRow(`
		SELECT sleep_hours, steps, pressure_hpa FROM measurements
		WHERE timestamp = ?`, formatTS(ts)).Scan(&sleep, &steps, &pressure)
	if err != nil {
		t.Fatalf("query merged row: %v", err)
	}
	if sleep != 7.5 || steps != 8000 {
		t.Fatalf("behavioral columns not applied: sleep=%v steps=%v", sleep, steps)
	}
	if pressure != 1013.0 {
		t.Fatalf("environmental column disturbed by behavioral update: %v", pressure)
	}
}

func TestUpdateBehavioralRerunIdempotent(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	env := []record.Environmental{envRecord("Alice", ts, 1013.0)}
	if loaded, rej := UpsertEnvironmental(db, resolver, env); loaded != 1 || len(rej) != 0 {
		t.Fatalf("env load failed: %d %v", loaded, rej)
	}

	behavioral := []record.Behavioral{{
		Subject:   "Alice",
		Timestamp: ts,
		Steps:     iptr(8000),
		Raw:       record.Raw{"subject": "Alice"},
	}}
	for i := 0; i < 2; i++ {
		if loaded, rej := UpdateBehavioral(db, resolver, behavioral); loaded != 1 || len(rej) != 0 {
			t.Fatalf("run %d: loaded=%d rejected=%v", i, loaded, rej)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM measurements`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rerun created rows: count = %d", n)
	}
}

func TestUpdateBehavioralMatchesStoredTimestampFormat(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// Seed the row with literal SQL so the existence check runs against the
	// exact text the schema stores, not a value round-tripped through Go.
	if _, err := db.Exec(`INSERT INTO subjects (name) VALUES ('Alice')`); err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO measurements (subject_id, timestamp, pressure_hpa)
		VALUES (1, '2026-03-10 14:00:00', 1013.0)`); err != nil {
		t.Fatalf("seed measurement: %v", err)
	}

	behavioral := []record.Behavioral{{
		Subject:   "Alice",
		Timestamp: ts,
		Steps:     iptr(8000),
		Raw:       record.Raw{"subject": "Alice"},
	}}
	loaded, rejected := UpdateBehavioral(db, resolver, behavioral)
	if loaded != 1 || len(rejected) != 0 {
		t.Fatalf("loaded=%d rejected=%v, want the existing row to match", loaded, rejected)
	}

	var steps int64
	if err := db.QueryRow(`
		SELECT steps FROM measurements WHERE timestamp = '2026-03-10 14:00:00'`).Scan(&steps); err != nil {
		t.Fatalf("query: %v", err)
	}
	if steps != 8000 {
		t.Fatalf("steps = %d, want 8000", steps)
	}
}

func TestPressureNear(t *testing.T) {
	db := testutil.OpenTestDB(t)
	resolver := NewSubjectResolver(db)
	target := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	env := []record.Environmental{
		envRecord("Alice", target.Add(-20*time.Minute), 1005.0),
		envRecord("Alice", target.Add(25*time.Minute), 1010.0),
		envRecord("Alice", target.Add(3*time.Hour), 1020.0),
	}
	if loaded, rej := UpsertEnvironmental(db, resolver, env); loaded != 3 || len(rej) != 0 {
		t.Fatalf("env load failed: %d %v", loaded, rej)
	}

	id, err := resolver.Resolve("Alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	p, err := PressureNear(db, id, target, 30*time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if p == nil || *p != 1005.0 {
		t.Fatalf("pressure = %v, want closest reading 1005.0", p)
	}

	// Outside the window there is no match.
	p, err = PressureNear(db, id, target.Add(-48*time.Hour), 30*time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil outside window, got %v", *p)
	}
}
