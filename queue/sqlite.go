package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/pipeline"
	"ltfs-tier/utils"
)

// ErrEmpty is returned by Next when no job is due.
var ErrEmpty = errors.New("no job is due")

var ErrNotFound = errors.New("job not found")

const jobsSchema = `CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	hwfailures INTEGER NOT NULL DEFAULT 0,
	lasterror TEXT NOT NULL DEFAULT '',
	runat INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL)`

const jobsIndex = `CREATE INDEX IF NOT EXISTS jobs_due ON jobs (status, priority, seq)`

const jobColumns = `id, queue, type, priority, status, attempts, hwfailures, lasterror, runat, payload`

// SQLiteQueue keeps jobs in a table of the catalog database. Within a queue,
// priority 1 runs before priority 2 and jobs of equal priority run in the
// order they were added.
type SQLiteQueue struct {
	db           *sql.DB
	defaultQueue string
	backoff      *backoff.Backoff
	now          func() time.Time
}

// NewSQLiteQueue creates the jobs table if needed. Jobs without a queue name,
// including the uploads queued by the secure copy pipeline, go to
// defaultQueue. Retry delays start at backoffBase and double up to an hour.
func NewSQLiteQueue(db *sql.DB, defaultQueue string, backoffBase time.Duration) (*SQLiteQueue, error) {
	for _, stmt := range []string{jobsSchema, jobsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, errors.Wrap(err, "could not create jobs table")
		}
	}
	if backoffBase <= 0 {
		backoffBase = time.Minute
	}
	return &SQLiteQueue{
		db:           db,
		defaultQueue: defaultQueue,
		backoff:      &backoff.Backoff{Min: backoffBase, Max: time.Hour, Factor: 2},
		now:          time.Now,
	}, nil
}

func scanJob(row interface{ Scan(...any) error }) (*TransferJob, error) {
	var job TransferJob
	var jobType, status string
	var runAt int64
	err := row.Scan(&job.ID, &job.Queue, &jobType, &job.Priority, &status, &job.Attempts, &job.HardwareFailures, &job.LastError, &runAt, &job.Payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read job")
	}
	job.Type = JobType(jobType)
	job.Status = Status(status)
	job.RunAt = time.Unix(0, runAt)
	return &job, nil
}

// Enqueue stores job, filling in its id, queue and run time.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job *TransferJob) error {
	now := q.now()
	if job.ID == "" {
		job.ID = utils.NewID()
	}
	if job.Queue == "" {
		job.Queue = q.defaultQueue
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = StatusQueued
	_, err := q.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`, created, updated) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Queue, string(job.Type), job.Priority, string(job.Status), job.Attempts, job.HardwareFailures, job.LastError,
		job.RunAt.UnixNano(), []byte(job.Payload), now.UnixNano(), now.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "could not enqueue %s job", job.Type)
	}
	log.WithFields(log.Fields{"id": job.ID, "queue": job.Queue, "type": job.Type, "priority": job.Priority}).Info("job queued")
	return nil
}

// EnqueueUpload queues the upload that follows a secure copy into the cache.
func (q *SQLiteQueue) EnqueueUpload(ctx context.Context, upload pipeline.UploadJob) error {
	job, err := NewTransferJob(q.defaultQueue, upload)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}

// Next claims the most urgent due job on any of queues, marking it running
// and counting the attempt. It returns ErrEmpty when nothing is due.
func (q *SQLiteQueue) Next(ctx context.Context, queues []string) (*TransferJob, error) {
	if len(queues) == 0 {
		queues = []string{q.defaultQueue}
	}
	now := q.now().UnixNano()
	args := []any{string(StatusQueued), now}
	for _, name := range queues {
		args = append(args, name)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND runat <= ? AND queue IN (?` +
		strings.Repeat(",?", len(queues)-1) + `) ORDER BY priority, seq LIMIT 1`

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not start transaction")
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	job.Status = StatusRunning
	job.Attempts++
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = ?, updated = ? WHERE id = ?`,
		string(job.Status), job.Attempts, now, job.ID); err != nil {
		return nil, errors.Wrapf(err, "could not claim job %s", job.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "could not claim job %s", job.ID)
	}
	return job, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (*TransferJob, error) {
	return scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// Complete records a job's success.
func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusCompleted, "")
}

// Fail records that a job will not run again.
func (q *SQLiteQueue) Fail(ctx context.Context, id string, cause error) error {
	return q.finish(ctx, id, StatusFailed, errorText(cause))
}

// Retry puts a job back on its queue after a delay that doubles with every
// attempt, and returns when it will next run. Hardware failures are counted
// separately.
func (q *SQLiteQueue) Retry(ctx context.Context, id string, cause error) (time.Time, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if utils.IsHardware(cause) {
		job.HardwareFailures++
	}
	now := q.now()
	runAt := now.Add(q.Delay(job.Attempts))
	_, err = q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, hwfailures = ?, lasterror = ?, runat = ?, updated = ? WHERE id = ?`,
		string(StatusQueued), job.HardwareFailures, errorText(cause), runAt.UnixNano(), now.UnixNano(), id)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "could not reschedule job %s", id)
	}
	return runAt, nil
}

// Delay is the wait before the retry that follows attempt number attempts.
func (q *SQLiteQueue) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return q.backoff.ForAttempt(float64(attempts - 1))
}

// Recover requeues jobs left running by a process that stopped mid-job.
func (q *SQLiteQueue) Recover(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated = ? WHERE status = ?`,
		string(StatusQueued), q.now().UnixNano(), string(StatusRunning))
	if err != nil {
		return 0, errors.Wrap(err, "could not recover running jobs")
	}
	return res.RowsAffected()
}

// Counts returns the number of jobs in each status.
func (q *SQLiteQueue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "could not count jobs")
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "could not count jobs")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (q *SQLiteQueue) finish(ctx context.Context, id string, status Status, lastError string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, lasterror = ?, updated = ? WHERE id = ?`,
		string(status), lastError, q.now().UnixNano(), id)
	if err != nil {
		return errors.Wrapf(err, "could not mark job %s %s", id, status)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
