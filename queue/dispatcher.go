package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ltfs-tier/metrics"
	"ltfs-tier/notify"
	"ltfs-tier/pipeline"
	"ltfs-tier/utils"
)

// Store is the queue as the dispatcher uses it. SQLiteQueue is one.
type Store interface {
	Next(ctx context.Context, queues []string) (*TransferJob, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, cause error) (time.Time, error)
	Fail(ctx context.Context, id string, cause error) error
}

// RunFunc runs a decoded job payload.
type RunFunc func(ctx context.Context, payload any) pipeline.Result

// AbandonFunc records a job that will not be retried again.
type AbandonFunc func(ctx context.Context, payload any, cause error, critical bool)

type handler struct {
	run     RunFunc
	abandon AbandonFunc
}

type Policy struct {
	Queues []string
	// MaxAttempts bounds the runs of a job that keeps failing transiently.
	MaxAttempts int
	// MaxHardwareAttempts bounds the runs that may end in a HardwareError
	// before the job is abandoned with a critical alert.
	MaxHardwareAttempts int
	// Spacing is the minimum gap between the starts of two jobs.
	Spacing time.Duration
	// Poll is how long to wait when no job is due.
	Poll time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Queues:              []string{"tape"},
		MaxAttempts:         5,
		MaxHardwareAttempts: 2,
		Spacing:             5 * time.Second,
		Poll:                5 * time.Second,
	}
}

// Dispatcher pulls jobs off the queue and runs them one at a time. The tape
// drive is a single device; nothing else may drive it while a job runs.
type Dispatcher struct {
	store    Store
	policy   Policy
	handlers map[JobType]handler
	slot     *utils.Resource
	limiter  *rate.Limiter
	notifier notify.Notifier
}

func NewDispatcher(store Store, policy Policy, notifier notify.Notifier) *Dispatcher {
	limit := rate.Inf
	if policy.Spacing > 0 {
		limit = rate.Every(policy.Spacing)
	}
	if policy.Poll <= 0 {
		policy.Poll = time.Second
	}
	return &Dispatcher{
		store:    store,
		policy:   policy,
		handlers: make(map[JobType]handler),
		slot:     utils.NewResource(1),
		limiter:  rate.NewLimiter(limit, 1),
		notifier: notifier,
	}
}

// Handle routes jobs of type t to run.
func (d *Dispatcher) Handle(t JobType, run RunFunc, abandon AbandonFunc) {
	d.handlers[t] = handler{run: run, abandon: abandon}
}

// HandlePipelines routes every job type to its pipeline over env.
func (d *Dispatcher) HandlePipelines(env *pipeline.Env) {
	upload := pipeline.NewUpload(env)
	d.Handle(TypeUpload,
		func(ctx context.Context, p any) pipeline.Result { return upload.Run(ctx, p.(pipeline.UploadJob)) },
		func(ctx context.Context, p any, cause error, critical bool) {
			upload.Abandon(ctx, p.(pipeline.UploadJob), cause, critical)
		})
	download := pipeline.NewDownload(env)
	d.Handle(TypeDownload,
		func(ctx context.Context, p any) pipeline.Result { return download.Run(ctx, p.(pipeline.DownloadJob)) },
		func(ctx context.Context, p any, cause error, critical bool) {
			download.Abandon(ctx, p.(pipeline.DownloadJob), cause, critical)
		})
	scpUpload := pipeline.NewSecureCopyUpload(env)
	d.Handle(TypeSecureCopyUpload,
		func(ctx context.Context, p any) pipeline.Result {
			return scpUpload.Run(ctx, p.(pipeline.SecureCopyUploadJob))
		},
		func(ctx context.Context, p any, cause error, critical bool) {
			scpUpload.Abandon(ctx, p.(pipeline.SecureCopyUploadJob), cause, critical)
		})
	scpDownload := pipeline.NewSecureCopyDownload(env)
	d.Handle(TypeSecureCopyDownload,
		func(ctx context.Context, p any) pipeline.Result {
			return scpDownload.Run(ctx, p.(pipeline.SecureCopyDownloadJob))
		},
		func(ctx context.Context, p any, cause error, critical bool) {
			scpDownload.Abandon(ctx, p.(pipeline.SecureCopyDownloadJob), cause, critical)
		})
}

// Busy reports whether a job holds the drive right now.
func (d *Dispatcher) Busy() bool {
	return d.slot.Available() == 0
}

// Run dispatches jobs until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.WithFields(log.Fields{"queues": d.policy.Queues, "spacing": d.policy.Spacing}).Info("dispatcher started")
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		job, err := d.store.Next(ctx, d.policy.Queues)
		if err != nil {
			if !errors.Is(err, ErrEmpty) {
				log.WithError(err).Error("unable to read the job queue")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.policy.Poll):
			}
			continue
		}
		d.Dispatch(ctx, job)
	}
}

// Dispatch runs a claimed job and records what happened to it.
func (d *Dispatcher) Dispatch(ctx context.Context, job *TransferJob) pipeline.Result {
	unit, err := d.slot.Reserve(ctx)
	if err != nil {
		return pipeline.Result{Outcome: pipeline.TransientFailure, Err: err}
	}
	defer d.slot.Release(unit)

	logger := log.WithFields(log.Fields{"id": job.ID, "type": job.Type, "attempt": job.Attempts})
	h, ok := d.handlers[job.Type]
	if !ok {
		err := errors.Errorf("no handler for %s jobs", job.Type)
		d.reject(ctx, job, err)
		return pipeline.Result{Outcome: pipeline.PermanentFailure, Err: err}
	}
	payload, err := job.Decode()
	if err != nil {
		d.reject(ctx, job, err)
		return pipeline.Result{Outcome: pipeline.PermanentFailure, Err: err}
	}

	logger.Info("job started")
	start := time.Now()
	result := h.run(ctx, payload)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())
	metrics.JobsTotal.WithLabelValues(string(job.Type), result.Outcome.String()).Inc()
	logger = logger.WithFields(log.Fields{"outcome": result.Outcome, "elapsed": elapsed.Round(time.Millisecond)})

	switch result.Outcome {
	case pipeline.Succeeded:
		logger.Info("job completed")
		d.record(d.store.Complete(ctx, job.ID), job)
	case pipeline.PermanentFailure:
		logger.WithError(result.Err).Warn("job failed")
		d.record(d.store.Fail(ctx, job.ID, result.Err), job)
	case pipeline.TransientFailure:
		hardware := utils.IsHardware(result.Err)
		switch {
		case hardware && d.policy.MaxHardwareAttempts > 0 && job.HardwareFailures+1 >= d.policy.MaxHardwareAttempts:
			logger.WithError(result.Err).Error("hardware keeps failing, giving up")
			metrics.JobsAbandonedTotal.WithLabelValues("hardware").Inc()
			h.abandon(ctx, payload, result.Err, true)
			d.record(d.store.Fail(ctx, job.ID, result.Err), job)
		case d.policy.MaxAttempts > 0 && job.Attempts >= d.policy.MaxAttempts:
			logger.WithError(result.Err).Error("out of attempts, giving up")
			metrics.JobsAbandonedTotal.WithLabelValues("attempts").Inc()
			h.abandon(ctx, payload, result.Err, false)
			d.record(d.store.Fail(ctx, job.ID, result.Err), job)
		default:
			runAt, err := d.store.Retry(ctx, job.ID, result.Err)
			d.record(err, job)
			logger.WithError(result.Err).WithField("retry", runAt.Format(time.RFC3339)).Warn("job will be retried")
		}
	}
	return result
}

// reject fails a job that cannot even be started and tells the admins.
func (d *Dispatcher) reject(ctx context.Context, job *TransferJob, err error) {
	log.WithFields(log.Fields{"id": job.ID, "type": job.Type}).WithError(err).Error("rejecting job")
	d.record(d.store.Fail(ctx, job.ID, err), job)
	notify.Send(ctx, d.notifier, notify.Event{
		Audience: notify.Admin,
		Job:      string(job.Type),
		Status:   string(StatusFailed),
		Error:    err.Error(),
	})
}

func (d *Dispatcher) record(err error, job *TransferJob) {
	if err != nil {
		log.WithField("id", job.ID).WithError(err).Error("unable to record job state")
	}
}
