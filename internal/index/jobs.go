package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// jobTransitions encodes the batch job state machine. Workers that consume
// manifests live outside this server; only the table and its transitions
// are owned here.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobReady, JobFailed, JobCancelled},
	JobReady:     {JobActive, JobCancelled},
	JobActive:    {JobPaused, JobComplete, JobFailed, JobCancelled},
	JobPaused:    {JobActive, JobCancelled},
	JobComplete:  {},
	JobFailed:    {},
	JobCancelled: {},
}

func validTransition(from, to JobStatus) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateBatchJob inserts a job in Pending state.
func (s *Store) CreateBatchJob(ctx context.Context, operationType, manifestLocation string, parameters map[string]string) (*BatchJob, error) {
	job := &BatchJob{
		ID:               uuid.NewString(),
		OperationType:    operationType,
		Parameters:       orEmpty(parameters),
		ManifestLocation: manifestLocation,
		Status:           JobPending,
		CreatedAt:        time.Now(),
	}
	paramsJSON, _ := json.Marshal(job.Parameters)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, operation_type, parameters, manifest_location, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.OperationType, string(paramsJSON), job.ManifestLocation,
		string(job.Status), job.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}
	return job, nil
}

// GetBatchJob returns one job by id.
func (s *Store) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_type, parameters, manifest_location, status,
		       created_at, completed_at, failure_reasons,
		       progress_total, progress_processed, progress_failed
		FROM batch_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

// ListBatchJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListBatchJobs(ctx context.Context, status JobStatus, limit int) ([]*BatchJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, operation_type, parameters, manifest_location, status,
		       created_at, completed_at, failure_reasons,
		       progress_total, progress_processed, progress_failed
		FROM batch_jobs`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateBatchJobStatus moves a job along the state machine, recording a
// completion timestamp for terminal states and appending any failure
// reason. Invalid transitions fail with ErrInvalidTransition.
func (s *Store) UpdateBatchJobStatus(ctx context.Context, id string, to JobStatus, failureReason string) (*BatchJob, error) {
	var updated *BatchJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, operation_type, parameters, manifest_location, status,
			       created_at, completed_at, failure_reasons,
			       progress_total, progress_processed, progress_failed
			FROM batch_jobs WHERE id = ?`, id)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load batch job: %w", err)
		}

		if !validTransition(job.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
		}

		job.Status = to
		if failureReason != "" {
			job.FailureReasons = append(job.FailureReasons, failureReason)
		}
		var completedAt interface{}
		if to == JobComplete || to == JobFailed || to == JobCancelled {
			now := time.Now()
			job.CompletedAt = &now
			completedAt = now.UnixNano()
		}
		reasonsJSON, _ := json.Marshal(job.FailureReasons)

		if _, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs SET status = ?, completed_at = ?, failure_reasons = ?
			WHERE id = ?`,
			string(job.Status), completedAt, string(reasonsJSON), id); err != nil {
			return fmt.Errorf("failed to update batch job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateBatchJobProgress records manifest entry counters.
func (s *Store) UpdateBatchJobProgress(ctx context.Context, id string, progress JobProgress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs SET progress_total = ?, progress_processed = ?, progress_failed = ?
		WHERE id = ?`,
		progress.Total, progress.Processed, progress.Failed, id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteBatchJob removes one job row.
func (s *Store) DeleteBatchJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batch_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete batch job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*BatchJob, error) {
	job := &BatchJob{}
	var paramsJSON, reasonsJSON string
	var createdAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&job.ID, &job.OperationType, &paramsJSON, &job.ManifestLocation,
		(*string)(&job.Status), &createdAt, &completedAt, &reasonsJSON,
		&job.Progress.Total, &job.Progress.Processed, &job.Progress.Failed)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = time.Unix(0, createdAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		job.CompletedAt = &t
	}
	job.Parameters = map[string]string{}
	_ = json.Unmarshal([]byte(paramsJSON), &job.Parameters)
	_ = json.Unmarshal([]byte(reasonsJSON), &job.FailureReasons)
	return job, nil
}
