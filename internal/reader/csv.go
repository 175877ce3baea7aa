// Package reader implements the raw-record sources consumed by the pipeline:
// spreadsheet exports on disk and the weather/air-quality HTTP API.
package reader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fogline/fogline/internal/clean"
	"github.com/fogline/fogline/internal/record"
)

// File names expected in the data directory.
const (
	behavioralFile = "behavioral.csv"
	cognitiveFile  = "cognitive.csv"
	externalFile   = "external.csv"
)

// UserCSVReader reads behavioral.csv and cognitive.csv from the data
// directory and inner-joins them on (subject, timestamp), so the pipeline
// sees one flat record per tracked hour.
type UserCSVReader struct {
	Dir string
	Log *zap.Logger
}

func (r *UserCSVReader) Read(ctx context.Context) ([]record.Raw, error) {
	behavioral, err := readCSV(filepath.Join(r.Dir, behavioralFile), r.Log)
	if err != nil {
		return nil, err
	}
	cognitive, err := readCSV(filepath.Join(r.Dir, cognitiveFile), r.Log)
	if err != nil {
		return nil, err
	}
	if len(behavioral) == 0 || len(cognitive) == 0 {
		return nil, nil
	}

	merged := mergeUserData(behavioral, cognitive)
	r.Log.Debug("merged user records",
		zap.Int("behavioral", len(behavioral)),
		zap.Int("cognitive", len(cognitive)),
		zap.Int("merged", len(merged)))
	return merged, nil
}

// ExternalCSVReader reads external.csv, used to backfill environmental
// history without hitting the weather API.
type ExternalCSVReader struct {
	Dir string
	Log *zap.Logger
}

func (r *ExternalCSVReader) Read(ctx context.Context) ([]record.Raw, error) {
	return readCSV(filepath.Join(r.Dir, externalFile), r.Log)
}

// readCSV reads a header-mapped CSV into raw records. Numeric-looking cells
// are parsed to float64 so downstream range validation sees numbers; empty
// cells are omitted entirely. A missing file is a warning, not an error.
func readCSV(path string, log *zap.Logger) ([]record.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("csv not found", zap.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	hasSubject := false
	for _, h := range header {
		if strings.TrimSpace(h) == "subject" {
			hasSubject = true
		}
	}
	if !hasSubject {
		log.Warn("csv missing subject column, defaulting to Unknown", zap.String("path", path))
	}

	records := make([]record.Raw, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(record.Raw, len(header))
		for i, h := range header {
			if i >= len(row) {
				break
			}
			key := strings.TrimSpace(h)
			cell := strings.TrimSpace(row[i])
			if cell == "" {
				continue
			}
			rec[key] = inferCell(key, cell)
		}
		if !hasSubject {
			rec["subject"] = "Unknown"
		}
		records = append(records, rec)
	}
	return records, nil
}

// inferCell types a CSV cell: timestamps and names stay strings, everything
// that parses as a number becomes float64.
func inferCell(key, cell string) any {
	switch key {
	case "subject", "timestamp", "location_name":
		return cell
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}

type joinKey struct {
	subject string
	ts      string
}

func userJoinKey(rec record.Raw) joinKey {
	return joinKey{
		subject: clean.SafeString(rec["subject"]),
		ts:      clean.ParseTimestamp(rec["timestamp"]).Format("2006-01-02 15:04"),
	}
}

func mergeUserData(behavioral, cognitive []record.Raw) []record.Raw {
	index := make(map[joinKey]record.Raw, len(cognitive))
	for _, rec := range cognitive {
		index[userJoinKey(rec)] = rec
	}

	var merged []record.Raw
	for _, rec := range behavioral {
		match, ok := index[userJoinKey(rec)]
		if !ok {
			continue
		}
		joined := make(record.Raw, len(rec)+len(match))
		for k, v := range rec {
			joined[k] = v
		}
		for k, v := range match {
			joined[k] = v
		}
		merged = append(merged, joined)
	}
	return merged
}
