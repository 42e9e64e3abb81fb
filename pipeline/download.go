package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/notify"
)

// errLocationMissing marks a tape location that no longer exists. It is a
// permanent failure reported without a retry.
var errLocationMissing = errors.New("tape location does not exist")

type Download struct {
	env *Env
}

func NewDownload(env *Env) *Download {
	return &Download{env: env}
}

// Run puts the requested file in the disk cache, from the cache itself when a
// fresh copy is still there, otherwise from tape.
func (d *Download) Run(ctx context.Context, job DownloadJob) Result {
	logger := log.WithFields(log.Fields{"job": "download", "request": job.RequestID, "file": job.FileID})
	event := notify.Event{Job: "download", Recipient: job.UserEmail, FileName: job.FileName}

	done, err := beginRequest(ctx, d.env.Store, job.RequestID, job.FileID, job.FileName, job.UserName, job.UserEmail, job.GroupName)
	if errors.Is(err, errAlreadyFailed) {
		logger.Warn("download already failed")
		return permanent(err)
	}
	if err != nil {
		return d.settle(ctx, job, event, err)
	}
	if done {
		logger.Info("download already completed")
		return success("already completed")
	}

	rec, err := d.env.Store.GetUpload(ctx, job.FileID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return d.settle(ctx, job, event, err)
	}
	if rec != nil {
		if location, ok := cachedCopy(rec); ok {
			step(logger, "cache")
			event.Location = location
			return d.complete(ctx, job, event, catalog.ServedFromCache, logger)
		}
	}

	target := restoreTarget{
		tapeID:   job.TapeID,
		location: job.TapeLocation,
		fileID:   job.FileID,
		dest:     cachePath(d.env.CacheRoot, job.GroupName, job.UserName, job.FileName),
	}
	if rec != nil {
		target.fillFrom(rec)
	}
	event.TapeID = target.tapeID
	event.Location = target.dest
	if err := restore(ctx, d.env, target, logger); err != nil {
		return d.settle(ctx, job, event, err)
	}
	return d.complete(ctx, job, event, catalog.ServedFromTape, logger)
}

// Abandon records a job the queue gave up retrying.
func (d *Download) Abandon(ctx context.Context, job DownloadJob, cause error, critical bool) {
	event := notify.Event{Job: "download", Recipient: job.UserEmail, FileName: job.FileName}
	failRequest(ctx, d.env, job.RequestID, event, cause, critical)
}

func (d *Download) complete(ctx context.Context, job DownloadJob, event notify.Event, from catalog.ServedFrom, logger *log.Entry) Result {
	step(logger, "record")
	if err := d.env.Store.SetDownloadStatus(ctx, job.RequestID, catalog.RequestCompleted, from, ""); err != nil {
		return d.settle(ctx, job, event, err)
	}
	event.Status = string(catalog.RequestCompleted)
	d.env.notifyUser(ctx, event)
	logger.WithFields(log.Fields{"served": from, "location": event.Location}).Info("download completed")
	return success(event.Location)
}

func (d *Download) settle(ctx context.Context, job DownloadJob, event notify.Event, err error) Result {
	return settleRequest(ctx, d.env, job.RequestID, event, err)
}

// restoreTarget says what to copy off which tape and where to put it.
type restoreTarget struct {
	tapeID   string
	location string
	fileID   string
	dest     string
}

// fillFrom takes whatever the job left out from the upload record.
func (t *restoreTarget) fillFrom(rec *catalog.UploadRecord) {
	if t.tapeID == "" {
		t.tapeID = rec.TapeID
	}
	if t.location == "" {
		t.location = rec.TapeLocation
	}
}

// restore copies a tape location into the disk cache and marks the upload
// record cached.
func restore(ctx context.Context, env *Env, target restoreTarget, logger *log.Entry) error {
	if target.tapeID == "" || target.location == "" {
		return errors.Wrapf(errLocationMissing, "file %s has no tape location", target.fileID)
	}
	logger = logger.WithField("tape", target.tapeID)

	l := step(logger, "mount")
	if err := env.Device.EnsureCorrectTape(ctx, target.tapeID); err != nil {
		l.WithError(err).Error("unable to mount tape")
		return err
	}

	l = step(logger, "locate")
	if _, err := os.Stat(target.location); err != nil {
		l.WithError(err).Error("file is not on tape")
		return errors.Wrapf(errLocationMissing, "%s on tape %s", target.location, target.tapeID)
	}

	l = step(logger, "copy")
	if err := os.MkdirAll(filepath.Dir(target.dest), 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory for %s", target.dest)
	}
	if err := env.Copier.CopyAndVerify(target.location, target.dest); err != nil {
		l.WithError(err).Error("copy from tape failed")
		return err
	}
	if err := env.Store.SetCacheLocation(ctx, target.fileID, target.dest, true); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	return nil
}

// cachedCopy returns the cache location of rec if the copy there is still
// present.
func cachedCopy(rec *catalog.UploadRecord) (string, bool) {
	if !rec.IsCached || rec.CacheLocation == "" {
		return "", false
	}
	if _, err := os.Stat(rec.CacheLocation); err != nil {
		return "", false
	}
	return rec.CacheLocation, true
}

// cachePath is cacheRoot/group/user/fileName.
func cachePath(cacheRoot, group, user, fileName string) string {
	return filepath.Join(cacheRoot, group, user, fileName)
}

// beginRequest moves a download request to processing, creating the record if
// the caller did not.
func beginRequest(ctx context.Context, store catalog.Store, requestID, fileID, fileName, user, email, group string) (bool, error) {
	req, err := store.GetDownloadRequest(ctx, requestID)
	if errors.Is(err, catalog.ErrNotFound) {
		log.WithField("request", requestID).Warn("download request has no record, creating one")
		req = &catalog.DownloadRequest{
			RequestID: requestID, FileID: fileID, FileName: fileName,
			UserName: user, UserEmail: email, GroupName: group,
		}
		err = store.SaveDownloadRequest(ctx, req)
	}
	if err != nil {
		return false, err
	}
	switch req.Status {
	case catalog.RequestCompleted:
		return true, nil
	case catalog.RequestFailed:
		return false, errors.Wrapf(errAlreadyFailed, "download request %s", requestID)
	}
	return false, store.SetDownloadStatus(ctx, requestID, catalog.RequestProcessing, "", "")
}

func settleRequest(ctx context.Context, env *Env, requestID string, event notify.Event, err error) Result {
	result := failure(err)
	if errors.Is(err, errLocationMissing) {
		result = permanent(err)
	}
	if result.Retry() {
		if serr := env.Store.SetDownloadStatus(ctx, requestID, catalog.RequestProcessing, "", err.Error()); serr != nil {
			log.WithField("request", requestID).WithError(serr).Warn("unable to record download error")
		}
		return result
	}
	failRequest(ctx, env, requestID, event, err, false)
	return result
}

func failRequest(ctx context.Context, env *Env, requestID string, event notify.Event, err error, critical bool) {
	if serr := env.Store.SetDownloadStatus(ctx, requestID, catalog.RequestFailed, "", err.Error()); serr != nil {
		log.WithField("request", requestID).WithError(serr).Error("unable to mark download failed")
	}
	env.notifyFailure(ctx, event, err, critical)
}
