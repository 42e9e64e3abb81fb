// Package pipeline runs the transfer jobs: uploads to tape, restores from
// tape and secure copies to and from users' hosts.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/capacity"
	"ltfs-tier/catalog"
	"ltfs-tier/notify"
	"ltfs-tier/remote"
	"ltfs-tier/utils"
)

// errAlreadyFailed is returned for a job whose record already failed. A
// failed record is never resurrected; the work needs a new record.
var errAlreadyFailed = errors.New("record already failed")

type Outcome int

const (
	Succeeded Outcome = iota
	// PermanentFailure is recorded and reported; retrying cannot help.
	PermanentFailure
	// TransientFailure leaves the record in progress for the queue to retry.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case PermanentFailure:
		return "permanent failure"
	case TransientFailure:
		return "transient failure"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is what a pipeline hands back to the dispatcher.
type Result struct {
	Outcome Outcome
	Err     error
	Detail  string
}

func (r Result) OK() bool { return r.Outcome == Succeeded }

// Retry reports whether the queue should run the job again.
func (r Result) Retry() bool { return r.Outcome == TransientFailure }

func success(detail string) Result {
	return Result{Outcome: Succeeded, Detail: detail}
}

func permanent(err error) Result {
	return Result{Outcome: PermanentFailure, Err: err}
}

// failure sorts err into permanent or transient.
func failure(err error) Result {
	if utils.IsPermanent(err) {
		return permanent(err)
	}
	return Result{Outcome: TransientFailure, Err: err}
}

// TapeDevice is the drive as the pipelines see it.
type TapeDevice interface {
	EnsureCorrectTape(ctx context.Context, tapeID string) error
	MountPoint() string
}

type SpaceChecker interface {
	CheckGroupSpace(ctx context.Context, group string, required int64) (capacity.Selection, error)
}

type UsageRefresher interface {
	RefreshAsync(tapeID string) <-chan struct{}
}

type Copier interface {
	CopyAndVerify(src, dst string) error
}

// Enqueuer puts a follow-up upload on the job queue.
type Enqueuer interface {
	EnqueueUpload(ctx context.Context, job UploadJob) error
}

// Env is everything the pipelines share.
type Env struct {
	Store     catalog.Store
	Device    TapeDevice
	Space     SpaceChecker
	Usage     UsageRefresher
	Copier    Copier
	Transport remote.Copier
	Hosts     remote.HostDirectory
	Notifier  notify.Notifier
	Queue     Enqueuer
	CacheRoot string
}

func (e *Env) notifyUser(ctx context.Context, event notify.Event) {
	event.Audience = notify.User
	notify.Send(ctx, e.Notifier, event)
}

func (e *Env) notifyAdmin(ctx context.Context, event notify.Event, critical bool) {
	event.Audience = notify.Admin
	event.Recipient = ""
	event.Critical = critical
	notify.Send(ctx, e.Notifier, event)
}

// notifyFailure tells the user and the admins about a terminal failure.
func (e *Env) notifyFailure(ctx context.Context, event notify.Event, err error, critical bool) {
	event.Status = "failed"
	event.Error = err.Error()
	e.notifyUser(ctx, event)
	e.notifyAdmin(ctx, event, critical)
}

// step logs a named stage of a job.
func step(logger *log.Entry, name string) *log.Entry {
	l := logger.WithField("step", name)
	l.Debug("step started")
	return l
}

// requestedAt is the job's timestamp, or now for jobs without one.
func requestedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
