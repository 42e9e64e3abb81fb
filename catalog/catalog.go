// Package catalog is the record store the tape engine reads and updates:
// uploads, download requests, tapes and the host directory.
package catalog

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusRegression is returned when an update would move a record
// backwards through its status sequence.
var ErrStatusRegression = errors.New("status may only move forward")

type UploadStatus string

const (
	UploadQueueing   UploadStatus = "queueing"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

type RequestStatus string

const (
	RequestRequested  RequestStatus = "requested"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

type ServedFrom string

const (
	ServedFromCache ServedFrom = "cache"
	ServedFromTape  ServedFrom = "tape"
)

var uploadRank = map[UploadStatus]int{UploadQueueing: 0, UploadProcessing: 1, UploadCompleted: 2, UploadFailed: 2}

var requestRank = map[RequestStatus]int{RequestRequested: 0, RequestProcessing: 1, RequestCompleted: 2, RequestFailed: 2}

// uploadForward reports whether from -> to keeps moving forward. Staying put
// is allowed; leaving a terminal state is not.
func uploadForward(from, to UploadStatus) bool {
	if from == to {
		return true
	}
	return uploadRank[to] > uploadRank[from]
}

func requestForward(from, to RequestStatus) bool {
	if from == to {
		return true
	}
	return requestRank[to] > requestRank[from]
}

// TapeRecord sizes are labels as the free space report printed them.
type TapeRecord struct {
	TapeID          string
	GroupName       string
	TotalSize       string
	UsedSize        string
	AvailableSize   string
	UsagePercentage float64
	Status          string
	UpdatedAt       time.Time
}

type UploadRecord struct {
	FileID        string
	FileName      string
	FileSize      string
	UserName      string
	UserEmail     string
	GroupName     string
	Status        UploadStatus
	TapeID        string
	TapeLocation  string
	CacheLocation string
	IsCached      bool
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DownloadRequest struct {
	RequestID  string
	FileID     string
	FileName   string
	UserName   string
	UserEmail  string
	GroupName  string
	Status     RequestStatus
	ServedFrom ServedFrom
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Host maps a group's alias for a machine to its network address.
type Host struct {
	GroupName string
	Alias     string
	Address   string
}

// Store is implemented by SQLiteStore. Updates are last writer wins.
type Store interface {
	GetUpload(ctx context.Context, fileID string) (*UploadRecord, error)
	SaveUpload(ctx context.Context, rec *UploadRecord) error
	SetUploadStatus(ctx context.Context, fileID string, status UploadStatus, errMsg string) error
	CompleteUpload(ctx context.Context, fileID, tapeID, tapeLocation string) error
	SetCacheLocation(ctx context.Context, fileID, cacheLocation string, cached bool) error
	UncacheByLocation(ctx context.Context, cacheLocation string) error

	GetDownloadRequest(ctx context.Context, requestID string) (*DownloadRequest, error)
	SaveDownloadRequest(ctx context.Context, req *DownloadRequest) error
	SetDownloadStatus(ctx context.Context, requestID string, status RequestStatus, servedFrom ServedFrom, errMsg string) error

	GetTape(ctx context.Context, tapeID string) (*TapeRecord, error)
	GroupTapes(ctx context.Context, group string) ([]TapeRecord, error)
	SaveTape(ctx context.Context, tape *TapeRecord) error
	SetTapeUsage(ctx context.Context, tapeID, total, used, available string, percentage float64) error

	LookupHost(ctx context.Context, group, alias string) (string, error)
	SaveHost(ctx context.Context, host Host) error
}
