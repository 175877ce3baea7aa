package reader

import (
	"fmt"
	"os"
	"path/filepath"
)

// Starter rows show the expected header and value shapes. Timestamps must
// match across the two files for records to join.
const behavioralTemplate = `subject,timestamp,sleep_hours,phone_usage,steps,screen_time_minutes,active_energy_kcal,calories_intake,protein_g,carbs_g,fat_g
Alice,2026-01-05 08:00:00,7.5,12,500,35,120,450,20,50,15
Alice,2026-01-05 14:00:00,7.5,45,3500,90,340,700,35,80,25
Alice,2026-01-05 20:00:00,7.5,120,8000,150,520,600,30,65,20
`

const cognitiveTemplate = `subject,timestamp,sequence_memory_score,reaction_time_ms,verbal_memory_words
Alice,2026-01-05 08:00:00,12,245,12
Alice,2026-01-05 14:00:00,10,280,10
Alice,2026-01-05 20:00:00,14,230,14
`

// WriteTemplates creates starter behavioral and cognitive CSV files in dir,
// returning the paths it wrote. Files that already exist are left untouched.
func WriteTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var written []string
	for _, tmpl := range []struct {
		name     string
		contents string
	}{
		{behavioralFile, behavioralTemplate},
		{cognitiveFile, cognitiveTemplate},
	} {
		path := filepath.Join(dir, tmpl.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(tmpl.contents), 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
