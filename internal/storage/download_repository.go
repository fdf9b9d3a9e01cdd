package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/media-vault/internal/errors"
	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/types"
)

// DownloadRepository handles download job persistence
type DownloadRepository struct {
	db *PostgresDB
}

// NewDownloadRepository creates a new download repository
func NewDownloadRepository(db *PostgresDB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

const downloadColumns = `
	id, user_id, source_url, file_kind, quality, state, progress, metadata,
	storage_key, storage_url, file_size, archived, scheduled_deletion,
	created_at, updated_at
`

// Create creates a new download job record
func (r *DownloadRepository) Create(ctx context.Context, job *models.DownloadJob) error {
	query := `
		INSERT INTO downloads (
			id, user_id, source_url, file_kind, quality, state, progress, metadata,
			storage_key, storage_url, file_size, archived, scheduled_deletion,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = r.db.Pool().Exec(ctx, query,
		job.ID,
		job.UserID,
		job.SourceURL,
		job.FileKind,
		job.Quality,
		job.State,
		job.Progress,
		metadata,
		job.StorageKey,
		job.StorageURL,
		job.FileSize,
		job.Archived,
		job.ScheduledDeletion,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return apperrors.NewDatabaseError("create download", err)
	}

	return nil
}

// GetByID retrieves a download job by id
func (r *DownloadRepository) GetByID(ctx context.Context, id string) (*models.DownloadJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM downloads WHERE id = $1`, downloadColumns)

	job, err := scanDownload(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("download", id)
		}
		return nil, apperrors.NewDatabaseError("get download", err)
	}

	return job, nil
}

// Update persists the full mutable state of a job and bumps updated_at
func (r *DownloadRepository) Update(ctx context.Context, job *models.DownloadJob) error {
	query := `
		UPDATE downloads
		SET state = $2, progress = $3, metadata = $4, storage_key = $5,
			storage_url = $6, file_size = $7, archived = $8,
			scheduled_deletion = $9, updated_at = NOW()
		WHERE id = $1
	`

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.State,
		job.Progress,
		metadata,
		job.StorageKey,
		job.StorageURL,
		job.FileSize,
		job.Archived,
		job.ScheduledDeletion,
	)

	if err != nil {
		return apperrors.NewDatabaseError("update download", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("download", job.ID)
	}

	return nil
}

// ListNonTerminal returns up to limit jobs still awaiting reconciliation,
// least-recently-updated first so stalled jobs get priority
func (r *DownloadRepository) ListNonTerminal(ctx context.Context, limit int) ([]*models.DownloadJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM downloads
		WHERE state IN ($1, $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, downloadColumns)

	rows, err := r.db.Pool().Query(ctx, query, types.JobPending, types.JobProcessing, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list non-terminal downloads", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// ListCompletedByUser returns a user's completed jobs, newest first
func (r *DownloadRepository) ListCompletedByUser(ctx context.Context, userID string) ([]*models.DownloadJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM downloads
		WHERE user_id = $1 AND state = $2
		ORDER BY created_at DESC
	`, downloadColumns)

	rows, err := r.db.Pool().Query(ctx, query, userID, types.JobCompleted)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list completed downloads", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// ListByUser returns all of a user's jobs, newest first
func (r *DownloadRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.DownloadJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM downloads
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, downloadColumns)

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list downloads", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// ListDueForCleanup returns regular completed jobs whose scheduled deletion is
// due and whose artifact is still present, oldest schedule first
func (r *DownloadRepository) ListDueForCleanup(ctx context.Context, now time.Time, limit int) ([]*models.DownloadJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM downloads
		WHERE state = $1
		  AND archived = FALSE
		  AND scheduled_deletion IS NOT NULL
		  AND scheduled_deletion <= $2
		  AND storage_key IS NOT NULL
		ORDER BY scheduled_deletion ASC
		LIMIT $3
	`, downloadColumns)

	rows, err := r.db.Pool().Query(ctx, query, types.JobCompleted, now, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due downloads", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// ListCompletedOlderThan returns regular completed jobs created before the
// cutoff that still hold an artifact. Used by the emergency sweep.
func (r *DownloadRepository) ListCompletedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.DownloadJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM downloads
		WHERE state = $1
		  AND archived = FALSE
		  AND created_at < $2
		  AND storage_key IS NOT NULL
		ORDER BY created_at ASC
		LIMIT $3
	`, downloadColumns)

	rows, err := r.db.Pool().Query(ctx, query, types.JobCompleted, cutoff, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list old downloads", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

// UsersOverQuota returns the ids of users holding more than keep non-archived
// completed downloads
func (r *DownloadRepository) UsersOverQuota(ctx context.Context, keep int) ([]string, error) {
	query := `
		SELECT user_id FROM downloads
		WHERE state = $1 AND archived = FALSE
		GROUP BY user_id
		HAVING COUNT(*) > $2
	`

	rows, err := r.db.Pool().Query(ctx, query, types.JobCompleted, keep)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list users over quota", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, apperrors.NewDatabaseError("scan user id", err)
		}
		users = append(users, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate users over quota", err)
	}

	return users, nil
}

// SetScheduledDeletion stamps a deletion schedule on the given jobs. Archived
// jobs are filtered out even if an id slips in; pinning wins.
func (r *DownloadRepository) SetScheduledDeletion(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE downloads
		SET scheduled_deletion = $2, updated_at = NOW()
		WHERE id = ANY($1)
		  AND archived = FALSE
		  AND (scheduled_deletion IS NULL OR scheduled_deletion <> $2)
	`

	result, err := r.db.Pool().Exec(ctx, query, ids, at)
	if err != nil {
		return 0, apperrors.NewDatabaseError("schedule deletion", err)
	}

	return int(result.RowsAffected()), nil
}

// ClearScheduledDeletion removes the deletion schedule from the given jobs
func (r *DownloadRepository) ClearScheduledDeletion(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE downloads
		SET scheduled_deletion = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND scheduled_deletion IS NOT NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, ids)
	if err != nil {
		return 0, apperrors.NewDatabaseError("clear scheduled deletion", err)
	}

	return int(result.RowsAffected()), nil
}

// ClearArtifact removes the artifact pointer after a successful storage
// delete. The row itself is kept as history.
func (r *DownloadRepository) ClearArtifact(ctx context.Context, id string) error {
	query := `
		UPDATE downloads
		SET storage_key = NULL, storage_url = NULL, file_size = NULL,
			scheduled_deletion = NULL, updated_at = NOW()
		WHERE id = $1 AND archived = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return apperrors.NewDatabaseError("clear artifact", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewInvariantViolationError(
			fmt.Sprintf("refusing to clear artifact for archived or missing download %s", id))
	}

	return nil
}

// SetArchived flips the archive flag. Archiving also clears any pending
// deletion schedule so a pinned file is never swept.
func (r *DownloadRepository) SetArchived(ctx context.Context, id string, archived bool) error {
	query := `
		UPDATE downloads
		SET archived = $2,
			scheduled_deletion = CASE WHEN $2 THEN NULL ELSE scheduled_deletion END,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, archived)
	if err != nil {
		return apperrors.NewDatabaseError("set archived", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("download", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*models.DownloadJob, error) {
	var job models.DownloadJob
	var metadata []byte

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.SourceURL,
		&job.FileKind,
		&job.Quality,
		&job.State,
		&job.Progress,
		&metadata,
		&job.StorageKey,
		&job.StorageURL,
		&job.FileSize,
		&job.Archived,
		&job.ScheduledDeletion,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &job, nil
}

func scanDownloads(rows pgx.Rows) ([]*models.DownloadJob, error) {
	var jobs []*models.DownloadJob
	for rows.Next() {
		job, err := scanDownload(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan download", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate downloads", err)
	}

	return jobs, nil
}
