package queue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-tier/catalog"
	"ltfs-tier/metrics"
	"ltfs-tier/notify"
	"ltfs-tier/pipeline"
	"ltfs-tier/utils"
)

func newQueue(t *testing.T) (*SQLiteQueue, *time.Time) {
	t.Helper()
	store, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	q, err := NewSQLiteQueue(store.DB(), "tape", time.Minute)
	require.NoError(t, err)
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func enqueue(t *testing.T, q *SQLiteQueue, queue string, payload any) *TransferJob {
	t.Helper()
	job, err := NewTransferJob(queue, payload)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

func TestTransferJobRoundTrip(t *testing.T) {
	tests := []struct {
		payload  any
		jobType  JobType
		priority int
	}{
		{pipeline.UploadJob{FileID: "f1", IsPriority: true}, TypeUpload, PriorityPrivileged},
		{pipeline.UploadJob{FileID: "f2"}, TypeUpload, PriorityNormal},
		{pipeline.DownloadJob{RequestID: "r1", TapeID: "T00001"}, TypeDownload, PriorityNormal},
		{pipeline.SecureCopyUploadJob{FileID: "f3", RemoteHost: "daq", IsPriority: true}, TypeSecureCopyUpload, PriorityPrivileged},
		{pipeline.SecureCopyDownloadJob{DownloadRequestID: "r2", RemotePath: "/in"}, TypeSecureCopyDownload, PriorityNormal},
	}
	for _, tt := range tests {
		job, err := NewTransferJob("tape", tt.payload)
		require.NoError(t, err)
		assert.Equal(t, tt.jobType, job.Type)
		assert.Equal(t, tt.priority, job.Priority)
		decoded, err := job.Decode()
		require.NoError(t, err)
		assert.Equal(t, tt.payload, decoded)
	}

	_, err := NewTransferJob("tape", "not a job")
	assert.Error(t, err)
	_, err = (&TransferJob{ID: "x", Type: "format", Payload: []byte("{}")}).Decode()
	assert.Error(t, err)
	_, err = (&TransferJob{ID: "x", Type: TypeUpload, Payload: []byte("{")}).Decode()
	assert.Error(t, err)
}

func TestNextOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	first := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "normal-1"})
	second := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "normal-2"})
	privileged := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "privileged", IsPriority: true})
	other := enqueue(t, q, "other", pipeline.UploadJob{FileID: "elsewhere", IsPriority: true})

	var order []string
	for {
		job, err := q.Next(ctx, []string{"tape"})
		if errors.Is(err, ErrEmpty) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{privileged.ID, first.ID, second.ID}, order)

	job, err := q.Next(ctx, []string{"tape", "other"})
	require.NoError(t, err)
	assert.Equal(t, other.ID, job.ID)
}

func TestRetryBacksOff(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	job := enqueue(t, q, "", pipeline.DownloadJob{RequestID: "r1"})
	assert.Equal(t, "tape", job.Queue)

	claimed, err := q.Next(ctx, nil)
	require.NoError(t, err)
	runAt, err := q.Retry(ctx, claimed.ID, utils.NewHardwareError("load", errors.New("robot jammed")))
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), runAt)

	_, err = q.Next(ctx, nil)
	assert.ErrorIs(t, err, ErrEmpty, "not due yet")

	*now = now.Add(time.Minute)
	claimed, err = q.Next(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)
	assert.Equal(t, 1, claimed.HardwareFailures)
	assert.Contains(t, claimed.LastError, "robot jammed")

	runAt, err = q.Retry(ctx, claimed.ID, errors.New("verification"))
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), runAt)
	stored, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.HardwareFailures)

	assert.Equal(t, 4*time.Minute, q.Delay(3))
	assert.Equal(t, time.Hour, q.Delay(20))
}

func TestCompleteFailRecover(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	a := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "a"})
	b := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "b"})
	c := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "c"})
	for range 3 {
		_, err := q.Next(ctx, nil)
		require.NoError(t, err)
	}
	require.NoError(t, q.Complete(ctx, a.ID))
	require.NoError(t, q.Fail(ctx, b.ID, errors.New("no space")))
	assert.ErrorIs(t, q.Complete(ctx, "missing"), ErrNotFound)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	job, err := q.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusCompleted: 1, StatusFailed: 1, StatusQueued: 1}, counts)
	failed, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "no space", failed.LastError)
}

func TestEnqueueUpload(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	var enqueuer pipeline.Enqueuer = q
	require.NoError(t, enqueuer.EnqueueUpload(ctx, pipeline.UploadJob{FileID: "f1", IsPriority: true}))
	job, err := q.Next(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeUpload, job.Type)
	assert.Equal(t, PriorityPrivileged, job.Priority)
}

type abandoned struct {
	payload  any
	critical bool
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func newDispatcher(t *testing.T, policy Policy, results ...pipeline.Result) (*Dispatcher, *SQLiteQueue, *[]abandoned, *recorder) {
	t.Helper()
	q, _ := newQueue(t)
	q.now = time.Now
	// retries are due at once
	q.backoff.Min, q.backoff.Max = time.Nanosecond, time.Nanosecond
	notes := &recorder{}
	d := NewDispatcher(q, policy, notes)
	var gave []abandoned
	calls := 0
	d.Handle(TypeUpload, func(context.Context, any) pipeline.Result {
		r := results[min(calls, len(results)-1)]
		calls++
		return r
	}, func(_ context.Context, p any, _ error, critical bool) {
		gave = append(gave, abandoned{p, critical})
	})
	return d, q, &gave, notes
}

func drain(t *testing.T, d *Dispatcher, q *SQLiteQueue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		job, err := q.Next(ctx, nil)
		if errors.Is(err, ErrEmpty) {
			// retries are scheduled a nanosecond out
			time.Sleep(time.Millisecond)
			if job, err = q.Next(ctx, nil); errors.Is(err, ErrEmpty) {
				return
			}
		}
		require.NoError(t, err)
		d.Dispatch(ctx, job)
	}
}

func TestDispatchOutcomes(t *testing.T) {
	ctx := context.Background()
	transient := pipeline.Result{Outcome: pipeline.TransientFailure, Err: errors.New("size mismatch")}
	hardware := pipeline.Result{Outcome: pipeline.TransientFailure, Err: utils.NewHardwareError("mount", errors.New("busy"))}
	policy := Policy{MaxAttempts: 3, MaxHardwareAttempts: 2}

	t.Run("success", func(t *testing.T) {
		d, q, gave, _ := newDispatcher(t, policy, pipeline.Result{Outcome: pipeline.Succeeded})
		job := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "f1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
		assert.Empty(t, *gave)
	})

	t.Run("transient then success", func(t *testing.T) {
		d, q, gave, _ := newDispatcher(t, policy, transient, pipeline.Result{Outcome: pipeline.Succeeded})
		job := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "f1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
		assert.Equal(t, 2, stored.Attempts)
		assert.Empty(t, *gave)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		d, q, gave, _ := newDispatcher(t, policy, transient)
		job := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "f1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
		require.Len(t, *gave, 1)
		assert.False(t, (*gave)[0].critical)
		assert.Equal(t, pipeline.UploadJob{FileID: "f1"}, (*gave)[0].payload)
	})

	t.Run("hardware ceiling", func(t *testing.T) {
		before := testutil.ToFloat64(metrics.JobsAbandonedTotal.WithLabelValues("hardware"))
		d, q, gave, _ := newDispatcher(t, policy, hardware)
		job := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "f1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, 2, stored.Attempts)
		require.Len(t, *gave, 1)
		assert.True(t, (*gave)[0].critical)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobsAbandonedTotal.WithLabelValues("hardware")))
	})

	t.Run("permanent", func(t *testing.T) {
		d, q, gave, _ := newDispatcher(t, policy, pipeline.Result{Outcome: pipeline.PermanentFailure, Err: errors.New("no space")})
		job := enqueue(t, q, "tape", pipeline.UploadJob{FileID: "f1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Empty(t, *gave, "the pipeline already recorded a permanent failure")
	})

	t.Run("no handler", func(t *testing.T) {
		d, q, _, notes := newDispatcher(t, policy, pipeline.Result{})
		job := enqueue(t, q, "tape", pipeline.DownloadJob{RequestID: "r1"})
		drain(t, d, q)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		require.Len(t, notes.events, 1)
		assert.Equal(t, notify.Admin, notes.events[0].Audience)
	})
}

func TestRunOneJobAtATime(t *testing.T) {
	q, _ := newQueue(t)
	q.now = time.Now
	d := NewDispatcher(q, Policy{Queues: []string{"tape"}, Poll: time.Millisecond}, nil)

	var running, overlap, done, idle atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Handle(TypeUpload, func(context.Context, any) pipeline.Result {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		if !d.Busy() {
			idle.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		if done.Add(1) == 3 {
			cancel()
		}
		return pipeline.Result{Outcome: pipeline.Succeeded}
	}, nil)
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, q, "tape", pipeline.UploadJob{FileID: id})
	}

	assert.False(t, d.Busy())
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), done.Load())
	assert.Zero(t, overlap.Load())
	assert.Zero(t, idle.Load())
	assert.False(t, d.Busy())
}
