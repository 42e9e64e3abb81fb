// Package queue stores transfer jobs in the catalog database and feeds them,
// one at a time, to the pipelines.
package queue

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"ltfs-tier/pipeline"
)

type JobType string

const (
	TypeUpload             JobType = "upload"
	TypeDownload           JobType = "download"
	TypeSecureCopyUpload   JobType = "scp-upload"
	TypeSecureCopyDownload JobType = "scp-download"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Priority classes; lower runs first.
const (
	PriorityPrivileged = 1
	PriorityNormal     = 2
)

func priorityFor(privileged bool) int {
	if privileged {
		return PriorityPrivileged
	}
	return PriorityNormal
}

// TransferJob is the queued form of one of the pipeline job payloads.
type TransferJob struct {
	ID       string  `json:"id"`
	Queue    string  `json:"queue"`
	Type     JobType `json:"type"`
	Priority int     `json:"priority"`
	Status   Status  `json:"status"`
	Attempts int     `json:"attempts"`
	// HardwareFailures counts the attempts that ended in a HardwareError.
	HardwareFailures int             `json:"hardwareFailures"`
	LastError        string          `json:"lastError,omitempty"`
	RunAt            time.Time       `json:"runAt"`
	Payload          json.RawMessage `json:"payload"`
}

// NewTransferJob wraps one of the pipeline job types for the named queue.
// The priority class comes from the payload's priority flag.
func NewTransferJob(queue string, payload any) (*TransferJob, error) {
	job := &TransferJob{Queue: queue, Priority: PriorityNormal}
	switch p := payload.(type) {
	case pipeline.UploadJob:
		job.Type = TypeUpload
		job.Priority = priorityFor(p.IsPriority)
	case pipeline.DownloadJob:
		job.Type = TypeDownload
	case pipeline.SecureCopyUploadJob:
		job.Type = TypeSecureCopyUpload
		job.Priority = priorityFor(p.IsPriority)
	case pipeline.SecureCopyDownloadJob:
		job.Type = TypeSecureCopyDownload
		job.Priority = priorityFor(p.IsPriority)
	default:
		return nil, errors.Errorf("unsupported job payload %T", payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode %s job", job.Type)
	}
	job.Payload = data
	return job, nil
}

// Decode returns the payload as its pipeline job type.
func (j *TransferJob) Decode() (any, error) {
	var (
		payload any
		err     error
	)
	switch j.Type {
	case TypeUpload:
		var p pipeline.UploadJob
		err = json.Unmarshal(j.Payload, &p)
		payload = p
	case TypeDownload:
		var p pipeline.DownloadJob
		err = json.Unmarshal(j.Payload, &p)
		payload = p
	case TypeSecureCopyUpload:
		var p pipeline.SecureCopyUploadJob
		err = json.Unmarshal(j.Payload, &p)
		payload = p
	case TypeSecureCopyDownload:
		var p pipeline.SecureCopyDownloadJob
		err = json.Unmarshal(j.Payload, &p)
		payload = p
	default:
		return nil, errors.Errorf("job %s has unknown type %q", j.ID, j.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "job %s has a malformed %s payload", j.ID, j.Type)
	}
	return payload, nil
}
