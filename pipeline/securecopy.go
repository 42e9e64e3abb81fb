package pipeline

import (
	"context"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/notify"
	"ltfs-tier/remote"
	"ltfs-tier/transfer"
	"ltfs-tier/utils"
)

// SecureCopyUpload pulls a file from a user's host into the disk cache and
// queues the upload that takes it to tape.
type SecureCopyUpload struct {
	env *Env
}

func NewSecureCopyUpload(env *Env) *SecureCopyUpload {
	return &SecureCopyUpload{env: env}
}

func (s *SecureCopyUpload) Run(ctx context.Context, job SecureCopyUploadJob) Result {
	logger := log.WithFields(log.Fields{"job": "scp-upload", "file": job.FileID, "host": job.RemoteHost})
	event := notify.Event{Job: "scp-upload", Recipient: job.UserEmail, FileName: job.FileName}

	rec, err := s.env.Store.GetUpload(ctx, job.FileID)
	if errors.Is(err, catalog.ErrNotFound) {
		rec = &catalog.UploadRecord{
			FileID: job.FileID, FileName: job.FileName, UserName: job.UserName,
			UserEmail: job.UserEmail, GroupName: job.GroupName,
		}
		err = s.env.Store.SaveUpload(ctx, rec)
	}
	if err != nil {
		return s.settle(ctx, job, event, err)
	}
	switch rec.Status {
	case catalog.UploadCompleted:
		return success("already completed")
	case catalog.UploadFailed:
		return permanent(errors.Wrapf(errAlreadyFailed, "upload %s", job.FileID))
	}

	step(logger, "resolve")
	addr, err := remote.Resolve(ctx, s.env.Hosts, job.GroupName, job.RemoteHost)
	if err != nil {
		return s.settle(ctx, job, event, err)
	}

	l := step(logger, "fetch")
	dest := cachePath(s.env.CacheRoot, job.GroupName, job.UserName, job.FileName)
	from := remote.Endpoint{User: job.RemoteUser, Host: addr, Path: job.RemotePath}
	if err := s.env.Transport.Fetch(ctx, from, dest); err != nil {
		l.WithError(err).Error("unable to fetch file")
		return s.settle(ctx, job, event, err)
	}
	size, err := transfer.TreeSize(dest)
	if err != nil {
		return s.settle(ctx, job, event, err)
	}

	step(logger, "enqueue")
	upload := UploadJob{
		FileID:        job.FileID,
		FileName:      job.FileName,
		FileSizeLabel: utils.FormatSize(size),
		UserName:      job.UserName,
		UserEmail:     job.UserEmail,
		GroupName:     job.GroupName,
		IsPriority:    job.IsPriority,
		SourcePath:    dest,
		RequestedAt:   requestedAt(job.RequestedAt),
	}
	if err := s.env.Queue.EnqueueUpload(ctx, upload); err != nil {
		return s.settle(ctx, job, event, err)
	}
	logger.WithFields(log.Fields{"from": from.String(), "size": upload.FileSizeLabel}).Info("fetched file, upload queued")
	return success(dest)
}

// Abandon records a job the queue gave up retrying.
func (s *SecureCopyUpload) Abandon(ctx context.Context, job SecureCopyUploadJob, cause error, critical bool) {
	event := notify.Event{Job: "scp-upload", Recipient: job.UserEmail, FileName: job.FileName}
	s.fail(ctx, job, event, cause, critical)
}

func (s *SecureCopyUpload) settle(ctx context.Context, job SecureCopyUploadJob, event notify.Event, err error) Result {
	result := failure(err)
	if result.Retry() {
		if serr := s.env.Store.SetUploadStatus(ctx, job.FileID, catalog.UploadQueueing, err.Error()); serr != nil {
			log.WithField("file", job.FileID).WithError(serr).Warn("unable to record upload error")
		}
		return result
	}
	s.fail(ctx, job, event, err, false)
	return result
}

func (s *SecureCopyUpload) fail(ctx context.Context, job SecureCopyUploadJob, event notify.Event, err error, critical bool) {
	if serr := s.env.Store.SetUploadStatus(ctx, job.FileID, catalog.UploadFailed, err.Error()); serr != nil {
		log.WithField("file", job.FileID).WithError(serr).Error("unable to mark upload failed")
	}
	s.env.notifyFailure(ctx, event, err, critical)
}

// SecureCopyDownload sends an archived file to a directory on a user's host.
type SecureCopyDownload struct {
	env *Env
}

func NewSecureCopyDownload(env *Env) *SecureCopyDownload {
	return &SecureCopyDownload{env: env}
}

func (s *SecureCopyDownload) Run(ctx context.Context, job SecureCopyDownloadJob) Result {
	logger := log.WithFields(log.Fields{"job": "scp-download", "request": job.DownloadRequestID, "file": job.FileID, "host": job.RemoteHost})
	event := notify.Event{Job: "scp-download", Recipient: job.UserEmail, FileName: job.FileName}

	done, err := beginRequest(ctx, s.env.Store, job.DownloadRequestID, job.FileID, job.FileName, job.UserName, job.UserEmail, job.GroupName)
	if errors.Is(err, errAlreadyFailed) {
		return permanent(err)
	}
	if err != nil {
		return s.settle(ctx, job, event, err)
	}
	if done {
		return success("already completed")
	}

	rec, err := s.env.Store.GetUpload(ctx, job.FileID)
	if errors.Is(err, catalog.ErrNotFound) {
		err = errors.Wrapf(errLocationMissing, "file %s is not archived", job.FileID)
	}
	if err != nil {
		return s.settle(ctx, job, event, err)
	}

	source, served := "", catalog.ServedFromCache
	if location, ok := cachedCopy(rec); ok {
		step(logger, "cache")
		source = location
	} else {
		target := restoreTarget{fileID: job.FileID, dest: cachePath(s.env.CacheRoot, job.GroupName, job.UserName, job.FileName)}
		target.fillFrom(rec)
		event.TapeID = target.tapeID
		if err := restore(ctx, s.env, target, logger); err != nil {
			return s.settle(ctx, job, event, err)
		}
		source, served = target.dest, catalog.ServedFromTape
	}

	step(logger, "resolve")
	addr, err := remote.Resolve(ctx, s.env.Hosts, job.GroupName, job.RemoteHost)
	if err != nil {
		return s.settle(ctx, job, event, err)
	}

	l := step(logger, "push")
	// remote paths are always slash separated
	to := remote.Endpoint{User: job.RemoteUser, Host: addr, Path: path.Join(job.RemotePath, job.FileName)}
	event.Location = to.String()
	if err := s.env.Transport.Push(ctx, source, to); err != nil {
		l.WithError(err).Error("unable to send file")
		return s.settle(ctx, job, event, err)
	}

	step(logger, "record")
	if err := s.env.Store.SetDownloadStatus(ctx, job.DownloadRequestID, catalog.RequestCompleted, served, ""); err != nil {
		return s.settle(ctx, job, event, err)
	}
	event.Status = string(catalog.RequestCompleted)
	s.env.notifyUser(ctx, event)
	logger.WithFields(log.Fields{"to": to.String(), "served": served}).Info("file sent")
	return success(to.String())
}

// Abandon records a job the queue gave up retrying.
func (s *SecureCopyDownload) Abandon(ctx context.Context, job SecureCopyDownloadJob, cause error, critical bool) {
	event := notify.Event{Job: "scp-download", Recipient: job.UserEmail, FileName: job.FileName}
	failRequest(ctx, s.env, job.DownloadRequestID, event, cause, critical)
}

func (s *SecureCopyDownload) settle(ctx context.Context, job SecureCopyDownloadJob, event notify.Event, err error) Result {
	return settleRequest(ctx, s.env, job.DownloadRequestID, event, err)
}
