package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/notify"
	"ltfs-tier/transfer"
	"ltfs-tier/utils"
)

// declared and actual sizes may differ by this fraction
const sizeTolerance = 0.01

type Upload struct {
	env *Env
}

func NewUpload(env *Env) *Upload {
	return &Upload{env: env}
}

// Run archives job's source file onto the least used tape of its group that
// has room for it.
func (u *Upload) Run(ctx context.Context, job UploadJob) Result {
	logger := log.WithFields(log.Fields{"job": "upload", "file": job.FileID, "group": job.GroupName})
	event := notify.Event{Job: "upload", Recipient: job.UserEmail, FileName: job.FileName}

	done, err := u.begin(ctx, job)
	if errors.Is(err, errAlreadyFailed) {
		logger.Warn("upload already failed")
		return permanent(err)
	}
	if err != nil {
		return u.settle(ctx, job, event, err)
	}
	if done {
		logger.Info("upload already completed")
		return success("already completed")
	}

	l := step(logger, "validate")
	size, err := validateSource(job)
	if err != nil {
		l.WithError(err).Error("source rejected")
		return u.settle(ctx, job, event, err)
	}

	l = step(logger, "allocate")
	sel, err := u.env.Space.CheckGroupSpace(ctx, job.GroupName, size)
	if err != nil {
		return u.settle(ctx, job, event, err)
	}
	if !sel.Found() {
		spaceErr := sel.SpaceError(job.GroupName, size)
		l.WithError(spaceErr).Error("no tape has room")
		return u.settle(ctx, job, event, spaceErr)
	}
	tapeID := sel.TapeID
	event.TapeID = tapeID
	logger = logger.WithField("tape", tapeID)

	l = step(logger, "mount")
	if err := u.env.Device.EnsureCorrectTape(ctx, tapeID); err != nil {
		l.WithError(err).Error("unable to mount tape")
		return u.settle(ctx, job, event, err)
	}
	dir := archiveDir(u.env.Device.MountPoint(), job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return u.settle(ctx, job, event, errors.Wrapf(err, "unable to create %s", dir))
	}
	destination := archivePath(dir, job)
	event.Location = destination

	l = step(logger, "copy")
	if err := u.env.Copier.CopyAndVerify(job.SourcePath, destination); err != nil {
		l.WithError(err).Error("copy to tape failed")
		return u.settle(ctx, job, event, err)
	}

	step(logger, "record")
	if err := u.env.Store.CompleteUpload(ctx, job.FileID, tapeID, destination); err != nil {
		return u.settle(ctx, job, event, err)
	}
	// the source stays in the cache until the sweeper ages it out
	if err := u.env.Store.SetCacheLocation(ctx, job.FileID, job.SourcePath, true); err != nil {
		logger.WithError(err).Warn("unable to record cache location")
	}
	if u.env.Usage != nil {
		u.env.Usage.RefreshAsync(tapeID)
	}

	step(logger, "notify")
	event.Status = string(catalog.UploadCompleted)
	u.env.notifyUser(ctx, event)
	logger.WithField("location", destination).Info("upload completed")
	return success(destination)
}

// Abandon records a job the queue gave up retrying.
func (u *Upload) Abandon(ctx context.Context, job UploadJob, cause error, critical bool) {
	event := notify.Event{Job: "upload", Recipient: job.UserEmail, FileName: job.FileName}
	u.fail(ctx, job, event, cause, critical)
}

// begin moves the record to processing. done is set when an earlier delivery
// of the job already finished it.
func (u *Upload) begin(ctx context.Context, job UploadJob) (bool, error) {
	rec, err := u.env.Store.GetUpload(ctx, job.FileID)
	if errors.Is(err, catalog.ErrNotFound) {
		log.WithField("file", job.FileID).Warn("upload has no record, creating one")
		rec = &catalog.UploadRecord{
			FileID: job.FileID, FileName: job.FileName, FileSize: job.FileSizeLabel,
			UserName: job.UserName, UserEmail: job.UserEmail, GroupName: job.GroupName,
		}
		err = u.env.Store.SaveUpload(ctx, rec)
	}
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case catalog.UploadCompleted:
		return true, nil
	case catalog.UploadFailed:
		return false, errors.Wrapf(errAlreadyFailed, "upload %s", job.FileID)
	}
	return false, u.env.Store.SetUploadStatus(ctx, job.FileID, catalog.UploadProcessing, "")
}

// settle decides what a failed step means for the record.
func (u *Upload) settle(ctx context.Context, job UploadJob, event notify.Event, err error) Result {
	result := failure(err)
	if result.Retry() {
		// keep the record in progress with the last error for the queue to retry
		if serr := u.env.Store.SetUploadStatus(ctx, job.FileID, catalog.UploadProcessing, err.Error()); serr != nil {
			log.WithField("file", job.FileID).WithError(serr).Warn("unable to record upload error")
		}
		return result
	}
	u.fail(ctx, job, event, err, false)
	return result
}

func (u *Upload) fail(ctx context.Context, job UploadJob, event notify.Event, err error, critical bool) {
	if serr := u.env.Store.SetUploadStatus(ctx, job.FileID, catalog.UploadFailed, err.Error()); serr != nil {
		log.WithField("file", job.FileID).WithError(serr).Error("unable to mark upload failed")
	}
	u.env.notifyFailure(ctx, event, err, critical)
}

// validateSource returns the size of the source after checking it against
// the declared label.
func validateSource(job UploadJob) (int64, error) {
	if _, err := os.Stat(job.SourcePath); err != nil {
		return 0, &utils.ValidationError{Reason: "source " + job.SourcePath + " is not readable: " + err.Error()}
	}
	actual, err := transfer.TreeSize(job.SourcePath)
	if err != nil {
		return 0, &utils.ValidationError{Reason: err.Error()}
	}
	declared, err := utils.ParseSize(job.FileSizeLabel)
	if err != nil {
		return 0, &utils.ValidationError{Reason: err.Error()}
	}
	if !utils.WithinTolerance(actual, declared, sizeTolerance) {
		return 0, &utils.ValidationError{Reason: "source " + job.SourcePath + " is " + utils.FormatSize(actual) +
			" but " + job.FileSizeLabel + " was declared"}
	}
	return actual, nil
}

// archiveDir is mountPoint/group/user/yyyy/mm/dd for the day the job was
// requested.
func archiveDir(mountPoint string, job UploadJob) string {
	t := requestedAt(job.RequestedAt)
	return filepath.Join(mountPoint, job.GroupName, job.UserName, t.Format("2006"), t.Format("01"), t.Format("02"))
}

// archivePath is where job's file goes in dir. A name already taken by an
// earlier upload gets the file id before its extension, e.g. run42.f2.h5.
func archivePath(dir string, job UploadJob) string {
	destination := filepath.Join(dir, job.FileName)
	if _, err := os.Lstat(destination); err == nil {
		ext := filepath.Ext(job.FileName)
		destination = filepath.Join(dir, strings.TrimSuffix(job.FileName, ext)+"."+job.FileID+ext)
	}
	return destination
}
