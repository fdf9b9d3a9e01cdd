package models

import (
	"time"

	"github.com/media-vault/internal/types"
)

// DownloadJob represents one requested media acquisition and its tracked state.
// The job id is shared with the extraction worker: it is assigned at submission
// so both sides correlate without a lookup table.
type DownloadJob struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	SourceURL string          `json:"sourceUrl" db:"source_url"`
	FileKind  types.FileKind  `json:"fileKind" db:"file_kind"`
	Quality   types.Quality   `json:"quality" db:"quality"`
	State     types.JobState  `json:"state" db:"state"`

	// Progress is meaningful only while processing; 100 when completed.
	Progress int `json:"progress" db:"progress"`

	Metadata types.JobMetadata `json:"metadata" db:"metadata"`

	// Retained artifact pointer, present once completed.
	StorageKey  *string `json:"storageKey,omitempty" db:"storage_key"`
	StorageURL  *string `json:"storageUrl,omitempty" db:"storage_url"`
	FileSize    *int64  `json:"fileSize,omitempty" db:"file_size"`

	// Retention fields.
	Archived          bool       `json:"archived" db:"archived"`
	ScheduledDeletion *time.Time `json:"scheduledDeletion,omitempty" db:"scheduled_deletion"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Age returns how long ago the job was created
func (j *DownloadJob) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// HasArtifact reports whether the job still points at stored bytes
func (j *DownloadJob) HasArtifact() bool {
	return j.StorageKey != nil && *j.StorageKey != ""
}
