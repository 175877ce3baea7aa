package store

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fogline/fogline/internal/record"
	"github.com/fogline/fogline/internal/testutil"
)

func TestLogRejectedBatch(t *testing.T) {
	db := testutil.OpenTestDB(t)

	rejects := []record.Rejection{
		{Source: SourceEnvironmental, Record: record.Raw{"subject": "Alice"}, Reason: "humidity=500 failed validation"},
		{Source: SourceBehavioral, Record: record.Raw{"subject": "Bob"}, Reason: "unknown subject"},
	}
	n, err := LogRejected(db, rejects)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if n != 2 {
		t.Fatalf("logged %d, want 2", n)
	}

	var source, payload, reason string
	err = db.QueryRow(`
		SELECT source_name, raw_payload, reason FROM rejected_records
		WHERE source_name = ?`, SourceEnvironmental).Scan(&source, &payload, &reason)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(payload, `"subject":"Alice"`) {
		t.Fatalf("payload not JSON serialized: %s", payload)
	}
	if reason != "humidity=500 failed validation" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestLogRejectedTruncatesReason(t *testing.T) {
	db := testutil.OpenTestDB(t)

	long := strings.Repeat("x", 2*maxReasonLen)
	if _, err := LogRejected(db, []record.Rejection{
		{Source: SourceBehavioral, Record: record.Raw{}, Reason: long},
	}); err != nil {
		t.Fatalf("log: %v", err)
	}

	var reason string
	if err := db.QueryRow(`SELECT reason FROM rejected_records`).Scan(&reason); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(reason) != maxReasonLen {
		t.Fatalf("reason length = %d, want %d", len(reason), maxReasonLen)
	}
}

func TestLogRejectedTruncatesOnRuneBoundary(t *testing.T) {
	db := testutil.OpenTestDB(t)

	// 3-byte runes, 600 bytes total: the byte limit lands mid-rune.
	long := strings.Repeat("好", 200)
	if _, err := LogRejected(db, []record.Rejection{
		{Source: SourceBehavioral, Record: record.Raw{}, Reason: long},
	}); err != nil {
		t.Fatalf("log: %v", err)
	}

	var reason string
	if err := db.QueryRow(`SELECT reason FROM rejected_records`).Scan(&reason); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(reason) > maxReasonLen {
		t.Fatalf("reason length = %d, want <= %d", len(reason), maxReasonLen)
	}
	if !utf8.ValidString(reason) {
		t.Fatal("stored reason is not valid UTF-8")
	}
}

func TestLogRejectedEmpty(t *testing.T) {
	db := testutil.OpenTestDB(t)
	n, err := LogRejected(db, nil)
	if err != nil || n != 0 {
		t.Fatalf("empty batch: n=%d err=%v", n, err)
	}
}
