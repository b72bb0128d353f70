package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/errors"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal statuses never transition further.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// TranscodingJob tracks one variant production attempt. Progress is
// monotonically non-decreasing within a job's lifetime and reaches 100 only
// on completion.
type TranscodingJob struct {
	ID              int64           `json:"job_id"`
	FileID          int64           `json:"file_id"`
	TargetQuality   int             `json:"target_quality"`
	Status          JobStatus       `json:"status"`
	Progress        float64         `json:"progress"`
	OutputKey       *string         `json:"output_path"`
	OutputSize      *int64          `json:"output_size"`
	ErrorMessage    *string         `json:"error_message"`
	EncoderMetadata json.RawMessage `json:"encoder_metadata,omitempty"`
	QueueTaskID     *string         `json:"queue_task_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
}

const jobColumns = `id, file_id, target_quality, status, progress, output_key, output_size, error_message, encoder_metadata, queue_task_id, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*TranscodingJob, error) {
	var (
		j         TranscodingJob
		outKey    sql.NullString
		outSize   sql.NullInt64
		errMsg    sql.NullString
		meta      []byte
		taskID    sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.FileID, &j.TargetQuality, &j.Status, &j.Progress,
		&outKey, &outSize, &errMsg, &meta, &taskID, &j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if outKey.Valid {
		j.OutputKey = &outKey.String
	}
	if outSize.Valid {
		j.OutputSize = &outSize.Int64
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if len(meta) > 0 {
		j.EncoderMetadata = json.RawMessage(meta)
	}
	if taskID.Valid {
		j.QueueTaskID = &taskID.String
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}

// SkippedQuality explains why CreateJobs did not create a job for a quality.
type SkippedQuality struct {
	Quality int    `json:"quality"`
	Reason  string `json:"reason"`
}

// CreateJobs atomically filters out qualities that already have an active job
// or a published variant and inserts jobs for the remainder. The filter runs
// inside the transaction with the file row locked, so two concurrent callers
// cannot both create a job for the same (file_id, quality). A failed or
// cancelled earlier job does not block a retry.
func (c *Catalog) CreateJobs(ctx context.Context, fileID int64, qualities []int) ([]*TranscodingJob, []SkippedQuality, error) {
	var (
		created []*TranscodingJob
		skipped []SkippedQuality
	)
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		skipped = skipped[:0]

		row := tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, fileID)
		f, err := scanFile(row)
		if err == sql.ErrNoRows {
			return errors.NotFound("file %d", fileID)
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT target_quality FROM transcoding_jobs
			WHERE file_id = $1 AND status IN ('pending', 'processing')`, fileID)
		if err != nil {
			return err
		}
		active := map[int]bool{}
		for rows.Next() {
			var q int
			if err := rows.Scan(&q); err != nil {
				rows.Close()
				return err
			}
			active[q] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, quality := range qualities {
			if _, ok := f.VariantKey(quality); ok {
				skipped = append(skipped, SkippedQuality{Quality: quality, Reason: "already transcoded"})
				continue
			}
			if active[quality] {
				skipped = append(skipped, SkippedQuality{Quality: quality, Reason: "already in progress"})
				continue
			}
			// The active-jobs read above runs on this transaction's snapshot,
			// which can predate a concurrent caller's commit even though the
			// FOR UPDATE waited it out. The arbiter index catches that case;
			// DO NOTHING turns it into a skip instead of aborting the
			// transaction mid-loop.
			row := tx.QueryRowContext(ctx, `
				INSERT INTO transcoding_jobs (file_id, target_quality, status, progress)
				VALUES ($1, $2, 'pending', 0)
				ON CONFLICT (file_id, target_quality) WHERE status IN ('pending', 'processing') DO NOTHING
				RETURNING `+jobColumns, fileID, quality)
			job, err := scanJob(row)
			if err == sql.ErrNoRows {
				skipped = append(skipped, SkippedQuality{Quality: quality, Reason: "already in progress"})
				continue
			}
			if err != nil {
				return err
			}
			created = append(created, job)
			active[quality] = true
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, skipped, nil
}

// SetJobTaskID stores the broker task handle for later revocation.
func (c *Catalog) SetJobTaskID(ctx context.Context, jobID int64, taskID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE transcoding_jobs SET queue_task_id = $2 WHERE id = $1`, jobID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("job %d", jobID)
	}
	return nil
}

// JobPatch carries the optional fields attached to a state transition.
type JobPatch struct {
	Progress        *float64
	OutputKey       *string
	OutputSize      *int64
	ErrorMessage    *string
	EncoderMetadata json.RawMessage
	QueueTaskID     *string
}

// TransitionJob is an optimistic compare-and-set on status. The transition
// only succeeds when the current status is in from; otherwise ErrConflict.
// started_at is stamped on entry to processing, completed_at on any terminal
// transition, and progress is forced to 100 on completion.
func (c *Catalog) TransitionJob(ctx context.Context, jobID int64, from []JobStatus, to JobStatus, patch JobPatch) (*TranscodingJob, error) {
	if !to.Valid() {
		return nil, errors.Validation("unknown job status %q", to)
	}
	fromStrs := make([]string, len(from))
	for i, s := range from {
		if s.Terminal() {
			return nil, errors.Validation("cannot transition from terminal status %q", s)
		}
		fromStrs[i] = string(s)
	}

	set := []string{"status = $2"}
	args := []interface{}{jobID, string(to)}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if to == JobProcessing {
		set = append(set, "started_at = now()")
	}
	if to.Terminal() {
		set = append(set, "completed_at = now()")
	}
	if to == JobCompleted {
		set = append(set, "progress = 100")
	} else if patch.Progress != nil {
		set = append(set, "progress = GREATEST(progress, "+arg(*patch.Progress)+")")
	}
	if patch.OutputKey != nil {
		set = append(set, "output_key = "+arg(*patch.OutputKey))
	}
	if patch.OutputSize != nil {
		set = append(set, "output_size = "+arg(*patch.OutputSize))
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = "+arg(*patch.ErrorMessage))
	}
	if len(patch.EncoderMetadata) > 0 {
		set = append(set, "encoder_metadata = "+arg([]byte(patch.EncoderMetadata)))
	}
	if patch.QueueTaskID != nil {
		set = append(set, "queue_task_id = "+arg(*patch.QueueTaskID))
	}

	query := `UPDATE transcoding_jobs SET ` + joinSet(set) +
		` WHERE id = $1 AND status = ANY(` + arg(pq.Array(fromStrs)) + `) RETURNING ` + jobColumns
	row := c.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Conflict("job %d is not in %v", jobID, from)
	}
	return job, err
}

func joinSet(set []string) string {
	out := set[0]
	for _, s := range set[1:] {
		out += ", " + s
	}
	return out
}

// UpdateJobProgress bumps progress on a processing job. GREATEST keeps it
// monotonic even if updates arrive out of order.
func (c *Catalog) UpdateJobProgress(ctx context.Context, jobID int64, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE transcoding_jobs SET progress = GREATEST(progress, $2)
		WHERE id = $1 AND status = 'processing'`, jobID, progress)
	return err
}

// CompleteJob commits the processing→completed transition and the parent
// file's variant pointer in one transaction: any catalog reader observes both
// or neither.
func (c *Catalog) CompleteJob(ctx context.Context, jobID int64, outputKey string, outputSize int64, metadata json.RawMessage) (*TranscodingJob, error) {
	var job *TranscodingJob
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE transcoding_jobs
			SET status = 'completed', progress = 100, output_key = $2, output_size = $3,
			    encoder_metadata = $4, completed_at = now()
			WHERE id = $1 AND status = 'processing'
			RETURNING `+jobColumns, jobID, outputKey, outputSize, []byte(metadata))
		var err error
		job, err = scanJob(row)
		if err == sql.ErrNoRows {
			return errors.Conflict("job %d is not processing", jobID)
		}
		if err != nil {
			return err
		}
		quality := strconv.Itoa(job.TargetQuality)
		_, err = tx.ExecContext(ctx, `
			UPDATE files
			SET transcoded_variants = COALESCE(transcoded_variants, '{}'::jsonb) || jsonb_build_object($2::text, $3::text)
			WHERE id = $1`, job.FileID, quality, outputKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Catalog) GetJob(ctx context.Context, jobID int64) (*TranscodingJob, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcoding_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("job %d", jobID)
	}
	return job, err
}

// JobsForFile returns all jobs for a file, newest first.
func (c *Catalog) JobsForFile(ctx context.Context, fileID int64) ([]*TranscodingJob, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM transcoding_jobs
		WHERE file_id = $1 ORDER BY created_at DESC, id DESC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs pages through all jobs, optionally filtered by status, newest
// first. It also reports the total count for the filter.
func (c *Catalog) ListJobs(ctx context.Context, status *JobStatus, offset, limit int) ([]*TranscodingJob, int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > config.ListPageLimit {
		limit = config.ListPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	var statusArg sql.NullString
	if status != nil {
		statusArg = sql.NullString{String: string(*status), Valid: true}
	}

	var total int
	err := c.db.QueryRowContext(ctx, `
		SELECT count(*) FROM transcoding_jobs
		WHERE ($1::text IS NULL OR status = $1)`, statusArg).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM transcoding_jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, statusArg, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

func collectJobs(rows *sql.Rows) ([]*TranscodingJob, error) {
	var jobs []*TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
