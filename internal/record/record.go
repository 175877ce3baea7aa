// Package record defines the data shapes that move through the ingestion
// pipeline: loosely-typed raw records as read from upstream sources, the
// typed measurement halves produced by cleaning, and rejection entries.
package record

import "time"

// Raw is a flat, loosely-typed record as produced by a reader. Values may be
// strings, numbers, bools, or nil depending on the source.
type Raw map[string]any

// Rejection captures a record that failed validation, identity resolution,
// ordering, or the store write, together with a human-readable reason.
type Rejection struct {
	Source string
	Record Raw
	Reason string
}

// Environmental is the cleaned environmental half of a measurement row.
// Nil pointers map to NULL columns.
type Environmental struct {
	Subject   string
	Timestamp time.Time

	// Subject attributes carried along for create-on-first-sight.
	LocationName *string
	Latitude     *float64
	Longitude    *float64

	PressureHPA       *float64
	PressureChange24h float64
	Temperature       *float64
	Humidity          *float64
	HourOfDay         int
	DayOfWeek         int
	Weekend           bool
	PM25              *float64
	AQI               *int64
	CO                *float64
	NO                *float64
	NO2               *float64
	O3                *float64
	SO2               *float64
	PM10              *float64
	NH3               *float64

	// Original raw record, kept for rejection logging.
	Raw Raw
}

// Behavioral is the cleaned behavioral/cognitive half of a measurement row.
// It is only ever applied onto an existing row.
type Behavioral struct {
	Subject   string
	Timestamp time.Time

	SleepHours          *float64
	PhoneUsage          *int64
	Steps               *int64
	ScreenTimeMinutes   *int64
	ActiveEnergyKcal    *float64
	CaloriesIntake      *float64
	ProteinG            *float64
	CarbsG              *float64
	FatG                *float64
	SequenceMemoryScore *int64
	ReactionTimeMS      *float64
	VerbalMemoryWords   *int64

	Raw Raw
}
