// Package types defines shared domain types used across the media vault service.
package types

import "time"

// JobState represents the lifecycle state of a download job
type JobState string

const (
	// JobPending means the job has been submitted but not observed processing yet
	JobPending JobState = "pending"
	// JobProcessing means the extraction worker reported active progress
	JobProcessing JobState = "processing"
	// JobCompleted means a retained artifact exists for the job
	JobCompleted JobState = "completed"
	// JobFailed means the job terminated without a usable artifact
	JobFailed JobState = "failed"
)

// IsTerminal reports whether the state admits no further reconciliation
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// FileKind represents the requested artifact type
type FileKind string

const (
	FileKindVideo FileKind = "video"
	FileKindAudio FileKind = "audio"
	FileKindImage FileKind = "image"
)

// Quality represents the requested quality tier for an extraction
type Quality string

const (
	QualityBest     Quality = "best"
	QualityStandard Quality = "standard"
	QualityLow      Quality = "low"
)

// JobMetadata holds the named metadata fields tracked for a job.
// Replaces the free-form map the UI used to mutate piecemeal.
type JobMetadata struct {
	Title            string `json:"title,omitempty"`
	Thumbnail        string `json:"thumbnail,omitempty"`
	Platform         string `json:"platform,omitempty"`
	Phase            string `json:"phase,omitempty"`
	Speed            string `json:"speed,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	CompletionReason string `json:"completionReason,omitempty"`
}

// Completion reasons recorded in JobMetadata.CompletionReason
const (
	CompletionReported = "reported by worker"
	CompletionInferred = "inferred completion, source not re-verified"
	CompletionForced   = "forced completion after timeout"
)

// PhaseStatus represents the status of a single progress phase
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseActive  PhaseStatus = "active"
	PhaseDone    PhaseStatus = "done"
	PhaseSkipped PhaseStatus = "skipped"
)

// ProgressPhase is one named stage in a job's progress structure
type ProgressPhase struct {
	Name   string      `json:"name"`
	Status PhaseStatus `json:"status"`
}

// ProgressSnapshot is one observed progress sample for a job
type ProgressSnapshot struct {
	JobID      string          `json:"jobId"`
	Percentage int             `json:"percentage"`
	Phase      string          `json:"phase,omitempty"`
	Speed      string          `json:"speed,omitempty"`
	Phases     []ProgressPhase `json:"phases,omitempty"`
	ObservedAt time.Time       `json:"observedAt"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
