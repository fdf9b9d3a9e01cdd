package models

import "time"

// SweepReport summarizes one reconciliation sweep over non-terminal jobs
type SweepReport struct {
	Inspected       int           `json:"inspected"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	StillProcessing int           `json:"stillProcessing"`
	Errored         int           `json:"errored"`
	Duration        time.Duration `json:"duration"`
}

// CleanupRun is the accounting record for one batch cleanup execution.
// It is reported to the caller and logged, never persisted.
type CleanupRun struct {
	ProcessedDownloads int            `json:"processedDownloads"`
	CleanedFiles       int            `json:"cleanedFiles"`
	BytesFreed         int64          `json:"bytesFreed"`
	Errors             []CleanupError `json:"errors,omitempty"`
	Duration           time.Duration  `json:"duration"`
}

// CleanupError records one per-job failure inside a cleanup batch
type CleanupError struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// RetentionResult reports the outcome of one retention recompute for a user
type RetentionResult struct {
	UserID           string `json:"userId"`
	MarkedForCleanup int    `json:"markedForCleanup"`
}

// QuotaMaintenanceReport aggregates retention recomputes across users
type QuotaMaintenanceReport struct {
	UsersInspected   int              `json:"usersInspected"`
	MarkedForCleanup int              `json:"markedForCleanup"`
	Errors           []QuotaUserError `json:"errors,omitempty"`
}

// QuotaUserError records one per-user failure during quota maintenance
type QuotaUserError struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}
