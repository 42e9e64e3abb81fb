package pipeline

import "time"

// UploadJob moves a file from the disk cache onto a tape of its group.
type UploadJob struct {
	FileID        string    `json:"fileId"`
	FileName      string    `json:"fileName"`
	FileSizeLabel string    `json:"fileSize"`
	UserName      string    `json:"userName"`
	UserEmail     string    `json:"userEmail"`
	GroupName     string    `json:"groupName"`
	IsPriority    bool      `json:"isPriority"`
	SourcePath    string    `json:"sourcePath"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// DownloadJob restores a file from tape into the disk cache.
type DownloadJob struct {
	RequestID    string    `json:"requestId"`
	FileID       string    `json:"fileId"`
	FileName     string    `json:"fileName"`
	UserName     string    `json:"userName"`
	UserEmail    string    `json:"userEmail"`
	GroupName    string    `json:"groupName"`
	TapeLocation string    `json:"tapeLocation"`
	TapeID       string    `json:"tapeId"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// SecureCopyUploadJob pulls a file from a user's host into the disk cache and
// queues its upload.
type SecureCopyUploadJob struct {
	FileID      string    `json:"fileId"`
	FileName    string    `json:"fileName"`
	UserName    string    `json:"userName"`
	UserEmail   string    `json:"userEmail"`
	GroupName   string    `json:"groupName"`
	RemoteHost  string    `json:"remoteHost"`
	RemoteUser  string    `json:"remoteUser"`
	RemotePath  string    `json:"remotePath"`
	IsPriority  bool      `json:"isPriority"`
	RequestedAt time.Time `json:"requestedAt"`
}

// SecureCopyDownloadJob sends an archived file to a directory on a user's
// host, restoring it from tape first when the cache no longer has it.
type SecureCopyDownloadJob struct {
	DownloadRequestID string    `json:"downloadRequestId"`
	FileID            string    `json:"fileId"`
	FileName          string    `json:"fileName"`
	UserName          string    `json:"userName"`
	UserEmail         string    `json:"userEmail"`
	GroupName         string    `json:"groupName"`
	RemoteHost        string    `json:"remoteHost"`
	RemoteUser        string    `json:"remoteUser"`
	RemotePath        string    `json:"remotePath"`
	IsPriority        bool      `json:"isPriority"`
	RequestedAt       time.Time `json:"requestedAt"`
}
