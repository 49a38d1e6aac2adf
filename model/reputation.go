package model

import "time"

// Reputation score bounds. Scores are integers clamped to this range; a
// resource with no score record starts at DefaultReputationScore.
const (
	MinReputationScore     = 0
	MaxReputationScore     = 10000
	DefaultReputationScore = 1000
)

// ReputationUpdate is the audit record emitted on every score change,
// including changes of zero. Immutable once produced.
type ReputationUpdate struct {
	ResourceID string
	Host       string
	OldScore   int
	NewScore   int
	Reason     string
	Timestamp  time.Time
}

// JobOutcome reports how a dispatched job ended, for reputation scoring.
type JobOutcome struct {
	JobID      string
	Host       string
	ResourceID string
	Success    bool
	// DurationSeconds is the wall time the job ran.
	DurationSeconds float64
	// OracleData optionally adjusts the score change for successful jobs.
	OracleData *OracleData
}

// OracleData is a benchmark reading for a hardware model.
type OracleData struct {
	// BenchmarkScore is on the same 0-10000 domain as reputation scores.
	BenchmarkScore int
	// ReferencePricePerHour is in the smallest currency unit.
	ReferencePricePerHour int64
	Timestamp             time.Time
	Source                string
}
