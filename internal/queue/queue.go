// Package queue is the durable, retryable, priority-ordered job queue
// backing background work (embedding generation today, anything else that
// wants at-least-once processing tomorrow).
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rizom-ai/brains-sub001/internal/apperrors"
)

// Status values for the job state machine (spec §4.5).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	defaultMaxRetries       = 3
	defaultMaxProcessingMs  = 5 * 60 * 1000
	dequeueBusyMaxAttempts  = 3
	dequeueBusyInitialDelay = 10 * time.Millisecond
)

// Job is a single unit of queued work.
type Job struct {
	ID           string
	Type         string
	Data         json.RawMessage
	Status       string
	Priority     int
	RetryCount   int
	MaxRetries   int
	ScheduledFor int64
	StartedAt    *int64
	CompletedAt  *int64
	LastError    string
	Result       json.RawMessage
	Source       string
	Metadata     json.RawMessage
	RootJobID    string
	CreatedAt    int64
}

// Handler validates and parses a job type's payload before it is persisted.
// A non-nil error here means enqueue fails with InvalidJobData and no row
// is written.
type Handler func(data json.RawMessage) (any, error)

// EnqueueOptions controls optional fields of enqueue.
type EnqueueOptions struct {
	Priority   int
	MaxRetries int
	DelayMs    int64
	Source     string
	Metadata   any
	// RootJobID traces a job back to the job that originated its chain of
	// retries/follow-ups, per spec §3's Job attribute. Left empty, a job is
	// its own root.
	RootJobID string
}

// Stats summarizes job counts by status, for getStats.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Queue is a SQL-backed job queue. The caller is responsible for handing it
// a *sql.DB already configured for the single-writer consistency model
// (see internal/db.Open).
type Queue struct {
	db       *sql.DB
	handlers map[string]Handler
	now      func() time.Time
}

// New wraps db in a Queue. now defaults to time.Now and exists as a seam
// for deterministic tests.
func New(db *sql.DB) *Queue {
	return &Queue{
		db:       db,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// RegisterHandler installs the validate-and-parse function for jobType.
// Re-registering a type overwrites the previous handler.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// Enqueue validates data against jobType's registered handler (if any) and
// inserts a new pending job. Returns the new job's id.
func (q *Queue) Enqueue(jobType string, data any, opts EnqueueOptions) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job data: %w", err)
	}

	if h, ok := q.handlers[jobType]; ok {
		if _, err := h(payload); err != nil {
			return "", &apperrors.InvalidJobData{JobType: jobType, Reason: err.Error()}
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	var metadataJSON []byte
	if opts.Metadata != nil {
		metadataJSON, err = json.Marshal(opts.Metadata)
		if err != nil {
			return "", fmt.Errorf("queue: marshal job metadata: %w", err)
		}
	}

	id := uuid.NewString()
	now := q.now().UnixMilli()
	scheduledFor := now + opts.DelayMs
	rootJobID := opts.RootJobID
	if rootJobID == "" {
		rootJobID = id
	}

	_, err = q.db.Exec(`
		INSERT INTO jobs (id, type, data, status, priority, retryCount, maxRetries, scheduledFor, source, metadata, rootJobId, createdAt)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`, id, jobType, string(payload), StatusPending, opts.Priority, maxRetries, scheduledFor, nullableString(opts.Source), nullableBytes(metadataJSON), rootJobID, now)
	if err != nil {
		return "", &apperrors.StorageError{Op: "enqueue", Err: err}
	}
	return id, nil
}

// Dequeue atomically claims the highest-priority, earliest-scheduled
// pending job ready to run, or returns (nil, nil) if there is none. Under
// SQLITE_BUSY it retries with capped exponential backoff before surfacing
// the error, per spec §5's dequeue-retry rule.
func (q *Queue) Dequeue() (*Job, error) {
	var job *Job
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dequeueBusyInitialDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	// WithMaxRetries counts retries after the first call, so attempts-1.
	bo := backoff.WithMaxRetries(b, dequeueBusyMaxAttempts-1)

	err := backoff.Retry(func() error {
		j, err := q.dequeueOnce()
		if err != nil {
			if isBusyErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		job = j
		return nil
	}, bo)
	if err != nil {
		return nil, &apperrors.StorageError{Op: "dequeue", Err: err}
	}
	return job, nil
}

func (q *Queue) dequeueOnce() (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now().UnixMilli()
	row := tx.QueryRow(`
		SELECT id, type, data, status, priority, retryCount, maxRetries, scheduledFor,
		       startedAt, completedAt, lastError, result, source, metadata, rootJobId, createdAt
		FROM jobs
		WHERE status = ? AND scheduledFor <= ?
		ORDER BY priority DESC, scheduledFor ASC
		LIMIT 1
	`, StatusPending, now)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`UPDATE jobs SET status = ?, startedAt = ? WHERE id = ? AND status = ?`,
		StatusProcessing, now, job.ID, StatusPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Status = StatusProcessing
	job.StartedAt = &now
	return job, nil
}

// Complete marks jobId as completed with an optional result payload.
func (q *Queue) Complete(jobID string, result any) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: marshal job result: %w", err)
		}
		resultJSON = b
	}
	now := q.now().UnixMilli()
	_, err := q.db.Exec(`UPDATE jobs SET status = ?, completedAt = ?, result = ? WHERE id = ?`,
		StatusCompleted, now, nullableBytes(resultJSON), jobID)
	if err != nil {
		return &apperrors.StorageError{Op: "complete", Err: err}
	}
	return nil
}

// Fail applies the retry-or-terminate policy from spec §4.5: while retries
// remain the job goes back to pending with an exponential backoff delay
// (1000·2^retryCount ms, capped at 60s); once exhausted it is marked failed.
func (q *Queue) Fail(jobID string, cause error) error {
	row := q.db.QueryRow(`SELECT retryCount, maxRetries FROM jobs WHERE id = ?`, jobID)
	var retryCount, maxRetries int
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		if err == sql.ErrNoRows {
			return &apperrors.NotFound{EntityType: "job", ID: jobID}
		}
		return &apperrors.StorageError{Op: "fail", Err: err}
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	now := q.now().UnixMilli()

	if retryCount+1 < maxRetries {
		delay := backoffDelayMs(retryCount)
		_, err := q.db.Exec(`
			UPDATE jobs SET status = ?, retryCount = retryCount + 1, lastError = ?,
			       scheduledFor = ?, startedAt = NULL
			WHERE id = ?
		`, StatusPending, errMsg, now+delay, jobID)
		if err != nil {
			return &apperrors.StorageError{Op: "fail", Err: err}
		}
		return nil
	}

	_, err := q.db.Exec(`UPDATE jobs SET status = ?, completedAt = ?, lastError = ? WHERE id = ?`,
		StatusFailed, now, errMsg, jobID)
	if err != nil {
		return &apperrors.StorageError{Op: "fail", Err: err}
	}
	return nil
}

// backoffDelayMs implements spec §4.5's literal formula. It is kept separate
// from the cenkalti/backoff/v4 policy used by Dequeue: that library retries
// the SQL call itself on SQLITE_BUSY, a different concern from the
// persisted scheduledFor value computed here, which must match the spec
// exactly and stay independently testable.
func backoffDelayMs(retryCount int) int64 {
	delay := int64(1000) << uint(retryCount)
	const maxDelay = 60000
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

// GetStatus returns the job with the given id, or NotFound.
func (q *Queue) GetStatus(jobID string) (*Job, error) {
	row := q.db.QueryRow(`
		SELECT id, type, data, status, priority, retryCount, maxRetries, scheduledFor,
		       startedAt, completedAt, lastError, result, source, metadata, rootJobId, createdAt
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &apperrors.NotFound{EntityType: "job", ID: jobID}
	}
	if err != nil {
		return nil, &apperrors.StorageError{Op: "getStatus", Err: err}
	}
	return job, nil
}

// GetStatusByEntity returns the most recent job whose data payload carries
// the given (entityId, entityType), useful for polling "is my embedding
// ready yet" without having tracked the returned jobId.
func (q *Queue) GetStatusByEntity(entityID, entityType string) (*Job, error) {
	row := q.db.QueryRow(`
		SELECT id, type, data, status, priority, retryCount, maxRetries, scheduledFor,
		       startedAt, completedAt, lastError, result, source, metadata, rootJobId, createdAt
		FROM jobs
		WHERE json_extract(data, '$.id') = ? AND json_extract(data, '$.entityType') = ?
		ORDER BY createdAt DESC
		LIMIT 1
	`, entityID, entityType)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &apperrors.NotFound{EntityType: "job", ID: entityID}
	}
	if err != nil {
		return nil, &apperrors.StorageError{Op: "getStatusByEntity", Err: err}
	}
	return job, nil
}

// GetStats aggregates job counts by status.
func (q *Queue) GetStats() (Stats, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, &apperrors.StorageError{Op: "getStats", Err: err}
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, &apperrors.StorageError{Op: "getStats", Err: err}
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Cleanup deletes completed/failed jobs older than olderThan.
func (q *Queue) Cleanup(olderThan time.Duration) (int64, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.Exec(`
		DELETE FROM jobs WHERE status IN (?, ?) AND completedAt IS NOT NULL AND completedAt < ?
	`, StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, &apperrors.StorageError{Op: "cleanup", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &apperrors.StorageError{Op: "cleanup", Err: err}
	}
	return n, nil
}

// ResetStuckJobs reclaims jobs that have been processing for longer than
// thresholdMs, returning them to pending for a future dequeue.
func (q *Queue) ResetStuckJobs(thresholdMs int64) (int64, error) {
	cutoff := q.now().UnixMilli() - thresholdMs
	res, err := q.db.Exec(`
		UPDATE jobs SET status = ?, startedAt = NULL
		WHERE status = ? AND startedAt IS NOT NULL AND startedAt < ?
	`, StatusPending, StatusProcessing, cutoff)
	if err != nil {
		return 0, &apperrors.StorageError{Op: "resetStuckJobs", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &apperrors.StorageError{Op: "resetStuckJobs", Err: err}
	}
	return n, nil
}

// DefaultMaxProcessingMs is the stuck-job threshold used by the worker pool
// when the caller does not override it.
const DefaultMaxProcessingMs = defaultMaxProcessingMs

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var data, source, lastError sql.NullString
	var result, metadata, rootJobID sql.NullString
	var startedAt, completedAt sql.NullInt64

	if err := row.Scan(&j.ID, &j.Type, &data, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.ScheduledFor, &startedAt, &completedAt, &lastError, &result, &source, &metadata, &rootJobID, &j.CreatedAt); err != nil {
		return nil, err
	}
	if data.Valid {
		j.Data = json.RawMessage(data.String)
	}
	if startedAt.Valid {
		v := startedAt.Int64
		j.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		j.CompletedAt = &v
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if source.Valid {
		j.Source = source.String
	}
	if metadata.Valid {
		j.Metadata = json.RawMessage(metadata.String)
	}
	if rootJobID.Valid {
		j.RootJobID = rootJobID.String
	}
	return &j, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
