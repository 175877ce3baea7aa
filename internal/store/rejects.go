package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fogline/fogline/internal/record"
)

// maxReasonLen bounds the stored rejection reason.
const maxReasonLen = 500

// LogRejected appends rejection entries in one batch insert and returns the
// number logged. Serialization is best-effort: a record that cannot be
// marshaled is stored as its Go string rendering. Rejection logging is
// diagnostic, not transactional; callers log the returned error and move on.
func LogRejected(db *sql.DB, rejects []record.Rejection) (int, error) {
	if len(rejects) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO rejected_records (source_name, raw_payload, reason) VALUES `)
	args := make([]any, 0, len(rejects)*3)
	for i, rej := range rejects {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, rej.Source, serializeRecord(rej.Record), truncate(rej.Reason, maxReasonLen))
	}

	if _, err := db.Exec(sb.String(), args...); err != nil {
		return 0, fmt.Errorf("log rejected records: %w", err)
	}
	return len(rejects), nil
}

func serializeRecord(raw record.Raw) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(data)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
