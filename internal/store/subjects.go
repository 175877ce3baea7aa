// Package store writes cleaned, identity-resolved batches to the database
// and records everything that could not be written.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSubject is returned by Resolve when no subject with the given
// name exists.
var ErrUnknownSubject = errors.New("unknown subject")

// tsLayout is the canonical timestamp representation in the store. Every
// write and every (subject, timestamp) comparison goes through it.
const tsLayout = "2006-01-02 15:04:05"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// Subject is a tracked person.
type Subject struct {
	ID           int64
	Name         string
	LocationName *string
	Latitude     *float64
	Longitude    *float64
}

// SubjectResolver maps display names to durable subject ids. It keeps a
// process-local read-through cache so a batch costs O(distinct subjects)
// lookups rather than O(records). Not safe for concurrent use; the pipeline
// is single-threaded.
type SubjectResolver struct {
	db    *sql.DB
	cache map[string]int64
}

// NewSubjectResolver creates a resolver backed by db with an empty cache.
func NewSubjectResolver(db *sql.DB) *SubjectResolver {
	return &SubjectResolver{db: db, cache: make(map[string]int64)}
}

// Preload bulk-loads the name -> id cache for a whole batch up front.
func (r *SubjectResolver) Preload() error {
	rows, err := r.db.Query(`SELECT subject_id, name FROM subjects`)
	if err != nil {
		return fmt.Errorf("preload subjects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scan subject: %w", err)
		}
		r.cache[name] = id
	}
	return rows.Err()
}

// Resolve returns the id for name, reading through to the database on a
// cache miss. Unknown names fail with ErrUnknownSubject; this is the
// update-only path, which never creates subjects.
func (r *SubjectResolver) Resolve(name string) (int64, error) {
	if name == "" {
		return 0, ErrUnknownSubject
	}
	if id, ok := r.cache[name]; ok {
		return id, nil
	}

	var id int64
	err := r.db.QueryRow(`SELECT subject_id FROM subjects WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSubject, name)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup subject %s: %w", name, err)
	}

	r.cache[name] = id
	return id, nil
}

// UpsertTx creates the subject on first sight or updates any non-null
// location fields on name conflict, returning the durable id. It runs inside
// the caller's transaction; the id is only safe to cache once that
// transaction commits (see Remember).
func (r *SubjectResolver) UpsertTx(tx *sql.Tx, name string, location *string, lat, lon *float64) (int64, error) {
	if name == "" {
		return 0, ErrUnknownSubject
	}

	var id int64
	err := tx.QueryRow(`
		INSERT INTO subjects (name, location_name, latitude, longitude)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			location_name = COALESCE(excluded.location_name, subjects.location_name),
			latitude      = COALESCE(excluded.latitude, subjects.latitude),
			longitude     = COALESCE(excluded.longitude, subjects.longitude)
		RETURNING subject_id
	`, name, location, lat, lon).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert subject %s: %w", name, err)
	}
	return id, nil
}

// Remember caches ids resolved during a now-committed transaction.
func (r *SubjectResolver) Remember(ids map[string]int64) {
	for name, id := range ids {
		r.cache[name] = id
	}
}

// Clear empties the cache. Used for test isolation and by long-running
// processes that must observe subjects created outside this process.
func (r *SubjectResolver) Clear() {
	r.cache = make(map[string]int64)
}

// ListSubjects returns every subject, ordered by name.
func ListSubjects(db *sql.DB) ([]Subject, error) {
	return querySubjects(db, `
		SELECT subject_id, name, location_name, latitude, longitude
		FROM subjects ORDER BY name`)
}

// SubjectsWithCoordinates returns the subjects the environmental reader can
// fetch weather for.
func SubjectsWithCoordinates(db *sql.DB) ([]Subject, error) {
	return querySubjects(db, `
		SELECT subject_id, name, location_name, latitude, longitude
		FROM subjects
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY name`)
}

func querySubjects(db *sql.DB, query string) ([]Subject, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.Name, &s.LocationName, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
