package entity

import (
	"io"
	"time"
)

const (
	UploadStatusOK         = "ok"
	UploadStatusProcessing = "processing"
	UploadStatusUploaded   = "uploaded"
	UploadStatusCompleted  = "completed"
)

// UploadRequest asks for a file held by the messaging platform to be relayed.
type UploadRequest struct {
	FileId   string `json:"file_id,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	OwnerId  string `json:"owner_id"`
	ChatId   string `json:"chat_id,omitempty"`
	FileSize int64  `json:"file_size,omitempty"` // Zero when unknown.
}

// UploadResult is either a final URL or a handle to a deferred job.
type UploadResult struct {
	Status string
	URL    string
	JobId  string
}

// ChunkRequest carries one client-submitted chunk.
type ChunkRequest struct {
	OwnerId     string
	FileName    string
	ContentType string
	ChunkNumber int64 // 0-based.
	TotalChunks int64
	Data        []byte
}

// ChunkResult acknowledges a chunk, carrying the final URL on the last one.
type ChunkResult struct {
	Status      string
	SessionId   string
	ChunkNumber int64
	Part        *Part
	URL         string
}

// UploadURLRequest asks for a presigned direct upload URL.
type UploadURLRequest struct {
	FileName  string
	FileType  string
	ExpiresIn time.Duration
	OwnerId   string
}

// PresignedUpload is a time-bounded direct upload grant.
type PresignedUpload struct {
	URL         string
	ObjectKey   string
	ExpiresAt   time.Time
	MaxFileSize int64
}

// SourceRef points at a file on the messaging platform, by identifier or direct URL.
type SourceRef struct {
	FileId string
	URL    string
}

// Download is an open streaming body from the source platform.
type Download struct {
	Body        io.ReadCloser
	Size        int64 // -1 when unknown.
	Path        string
	ContentType string
}
