package model

import "time"

// JobID identifies a job on the client-facing surface.
type JobID string

// JobRequirements are the client-specified constraints for a job. They are
// validated once at submission and immutable afterwards.
type JobRequirements struct {
	RequiredVRAMGb   int
	MinComputeRating int
	// MaxPricePerSecond is in the smallest currency unit.
	MaxPricePerSecond int64
	HighPriority      bool
	TimeoutSeconds    int
}

// JobPayload is the unit of work handed to a host's worker node. Field names
// follow the worker node's dispatch API.
type JobPayload struct {
	JobID      string `json:"job_id"`
	ImageURL   string `json:"image_url"`
	InputData  string `json:"input_data"`
	TimeoutSec int    `json:"timeout_sec"`
}

// QueueJobStatus is the state of a job inside the match queue.
type QueueJobStatus string

const (
	QueueJobPending    QueueJobStatus = "pending"
	QueueJobMatching   QueueJobStatus = "matching"
	QueueJobMatched    QueueJobStatus = "matched"
	QueueJobDispatched QueueJobStatus = "dispatched"
	QueueJobFailed     QueueJobStatus = "failed"
)

// Terminal reports whether the status is an end state for a queue entry.
func (s QueueJobStatus) Terminal() bool {
	return s == QueueJobMatched || s == QueueJobDispatched || s == QueueJobFailed
}

// QueuedJob is a unit of work inside the match queue. Entries are mutated
// only by the queue's processing loop and removed only by an explicit
// dequeue; the queue is an append-mostly log of job attempts.
type QueuedJob struct {
	// ID is queue-local and distinct from the payload's client-facing JobID.
	ID           string
	Requirements JobRequirements
	Payload      JobPayload
	// ClientKey is the submitting client's address, used for escrow.
	ClientKey string
	Status    QueueJobStatus
	// MatchedProvider is a snapshot taken at match time.
	MatchedProvider *ProviderListing
	// Err holds the failure cause for entries in QueueJobFailed state.
	Err         string
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// QueueStats counts queue entries by status.
type QueueStats struct {
	Pending    int
	Matching   int
	Matched    int
	Dispatched int
	Failed     int
}

// JobPhase is the client-facing lifecycle state of a job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobMatched   JobPhase = "matched"
	JobExecuting JobPhase = "executing"
	JobCompleted JobPhase = "completed"
	JobFailed    JobPhase = "failed"
)

// Terminal reports whether the phase is an end state for a tracked job.
func (p JobPhase) Terminal() bool {
	return p == JobCompleted || p == JobFailed
}

// JobStatus is the controller's client-facing record of a job.
type JobStatus struct {
	JobID JobID
	Phase JobPhase
	// Host is the worker address on record, threaded from the queue's match
	// event. Result submissions are authorized against it.
	Host string
	// ProviderKey is the matched listing's resource account address.
	ProviderKey string
	StartTime   time.Time
	EndTime     time.Time
	ResultHash  string
	Err         string
}

// JobSubmission is a client's request to run a job.
type JobSubmission struct {
	ClientPublicKey string
	Requirements    JobRequirements
	ImageURL        string
	InputData       string
}
