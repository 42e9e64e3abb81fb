package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ltfs-tier/catalog"
	"ltfs-tier/pipeline"
	"ltfs-tier/queue"
	"ltfs-tier/utils"
)

// flags shared by every enqueue subcommand
var job struct {
	queue      string
	fileID     string
	fileName   string
	user       string
	email      string
	group      string
	privileged bool

	// upload
	size   string
	source string

	// download
	requestID string
	tapeID    string
	location  string

	// secure copy
	remoteHost string
	remoteUser string
	remotePath string
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a transfer job",
}

var enqueueUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Archive a file in the disk cache to tape",
	RunE: func(cmd *cobra.Command, args []string) error {
		upload := pipeline.UploadJob{
			FileID:        defaultID(job.fileID),
			FileName:      job.fileName,
			FileSizeLabel: job.size,
			UserName:      job.user,
			UserEmail:     job.email,
			GroupName:     job.group,
			IsPriority:    job.privileged,
			SourcePath:    job.source,
			RequestedAt:   time.Now(),
		}
		return enqueue(cmd.Context(), upload, func(store *catalog.SQLiteStore) error {
			return store.SaveUpload(cmd.Context(), &catalog.UploadRecord{
				FileID: upload.FileID, FileName: upload.FileName, FileSize: upload.FileSizeLabel,
				UserName: upload.UserName, UserEmail: upload.UserEmail, GroupName: upload.GroupName,
			})
		})
	},
}

var enqueueDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Restore an archived file into the disk cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		download := pipeline.DownloadJob{
			RequestID:    defaultID(job.requestID),
			FileID:       job.fileID,
			FileName:     job.fileName,
			UserName:     job.user,
			UserEmail:    job.email,
			GroupName:    job.group,
			TapeID:       job.tapeID,
			TapeLocation: job.location,
			RequestedAt:  time.Now(),
		}
		return enqueue(cmd.Context(), download, func(store *catalog.SQLiteStore) error {
			return saveRequest(cmd.Context(), store, download.RequestID)
		})
	},
}

var enqueueSecureUploadCmd = &cobra.Command{
	Use:   "scp-upload",
	Short: "Fetch a file from a user's host and archive it",
	RunE: func(cmd *cobra.Command, args []string) error {
		scp := pipeline.SecureCopyUploadJob{
			FileID:      defaultID(job.fileID),
			FileName:    job.fileName,
			UserName:    job.user,
			UserEmail:   job.email,
			GroupName:   job.group,
			RemoteHost:  job.remoteHost,
			RemoteUser:  job.remoteUser,
			RemotePath:  job.remotePath,
			IsPriority:  job.privileged,
			RequestedAt: time.Now(),
		}
		return enqueue(cmd.Context(), scp, func(store *catalog.SQLiteStore) error {
			return store.SaveUpload(cmd.Context(), &catalog.UploadRecord{
				FileID: scp.FileID, FileName: scp.FileName, UserName: scp.UserName,
				UserEmail: scp.UserEmail, GroupName: scp.GroupName,
			})
		})
	},
}

var enqueueSecureDownloadCmd = &cobra.Command{
	Use:   "scp-download",
	Short: "Send an archived file to a directory on a user's host",
	RunE: func(cmd *cobra.Command, args []string) error {
		scp := pipeline.SecureCopyDownloadJob{
			DownloadRequestID: defaultID(job.requestID),
			FileID:            job.fileID,
			FileName:          job.fileName,
			UserName:          job.user,
			UserEmail:         job.email,
			GroupName:         job.group,
			RemoteHost:        job.remoteHost,
			RemoteUser:        job.remoteUser,
			RemotePath:        job.remotePath,
			IsPriority:        job.privileged,
			RequestedAt:       time.Now(),
		}
		return enqueue(cmd.Context(), scp, func(store *catalog.SQLiteStore) error {
			return saveRequest(cmd.Context(), store, scp.DownloadRequestID)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{enqueueUploadCmd, enqueueDownloadCmd, enqueueSecureUploadCmd, enqueueSecureDownloadCmd} {
		f := cmd.Flags()
		f.StringVar(&job.queue, "queue", "", "queue name (default: the first configured queue)")
		f.StringVar(&job.fileID, "file-id", "", "file id")
		f.StringVar(&job.fileName, "file", "", "file name")
		f.StringVar(&job.user, "user", "", "owning user")
		f.StringVar(&job.email, "email", "", "address for notifications")
		f.StringVar(&job.group, "group", "", "owning group")
		f.BoolVar(&job.privileged, "privileged", false, "queue at priority 1")
		cmd.MarkFlagRequired("file")
		cmd.MarkFlagRequired("user")
		cmd.MarkFlagRequired("group")
		enqueueCmd.AddCommand(cmd)
	}
	enqueueUploadCmd.Flags().StringVar(&job.size, "size", "", "declared size, e.g. \"2.3 GB\"")
	enqueueUploadCmd.Flags().StringVar(&job.source, "source", "", "path of the file in the disk cache")
	enqueueUploadCmd.MarkFlagRequired("size")
	enqueueUploadCmd.MarkFlagRequired("source")

	for _, cmd := range []*cobra.Command{enqueueDownloadCmd, enqueueSecureDownloadCmd} {
		cmd.Flags().StringVar(&job.requestID, "request-id", "", "download request id (default: a new id)")
		cmd.MarkFlagRequired("file-id")
	}
	enqueueDownloadCmd.Flags().StringVar(&job.tapeID, "tape", "", "tape holding the file (default: from the upload record)")
	enqueueDownloadCmd.Flags().StringVar(&job.location, "location", "", "path of the file on tape (default: from the upload record)")

	for _, cmd := range []*cobra.Command{enqueueSecureUploadCmd, enqueueSecureDownloadCmd} {
		cmd.Flags().StringVar(&job.remoteHost, "host", "", "host alias registered for the group")
		cmd.Flags().StringVar(&job.remoteUser, "remote-user", "", "login on the remote host")
		cmd.Flags().StringVar(&job.remotePath, "remote-path", "", "source file, or destination directory for scp-download")
		cmd.MarkFlagRequired("host")
		cmd.MarkFlagRequired("remote-path")
	}
}

// enqueue records the job's catalog entry with save and puts the job on its
// queue.
func enqueue(ctx context.Context, payload any, save func(*catalog.SQLiteStore) error) error {
	store, err := catalog.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := queue.NewSQLiteQueue(store.DB(), cfg.Queue.Names[0], cfg.Queue.BackoffBase)
	if err != nil {
		return err
	}
	if err := save(store); err != nil {
		return err
	}
	transferJob, err := queue.NewTransferJob(job.queue, payload)
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, transferJob); err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\tpriority %d\n", transferJob.ID, transferJob.Queue, transferJob.Type, transferJob.Priority)
	return nil
}

func saveRequest(ctx context.Context, store *catalog.SQLiteStore, requestID string) error {
	return store.SaveDownloadRequest(ctx, &catalog.DownloadRequest{
		RequestID: requestID, FileID: job.fileID, FileName: job.fileName,
		UserName: job.user, UserEmail: job.email, GroupName: job.group,
	})
}

func defaultID(id string) string {
	if id == "" {
		return utils.NewID()
	}
	return id
}
