package app

import (
	"time"

	"github.com/molpadia/molparelay/internal/domain/entity"
)

type UploadRequest struct {
	FileId   string `json:"file_id"`
	FileURL  string `json:"file_url"`
	OwnerId  string `json:"owner_id"`
	ChatId   string `json:"chat_id"`
	FileSize int64  `json:"file_size"`
}

type UploadResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	JobId  string `json:"job_id,omitempty"`
}

type UploadURLRequest struct {
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	ExpiresIn int64  `json:"expires_in"` // Seconds.
	OwnerId   string `json:"owner_id"`
}

type UploadURLResponse struct {
	UploadURL   string    `json:"upload_url"`
	ObjectKey   string    `json:"object_key"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxFileSize int64     `json:"max_file_size"`
}

type ChunkResponse struct {
	Status      string `json:"status"`
	SessionId   string `json:"session_id"`
	ChunkNumber int64  `json:"chunk_number"`
	PartNumber  int64  `json:"part_number"`
	ETag        string `json:"etag"`
	URL         string `json:"url,omitempty"`
}

type JobResponse struct {
	JobId     string           `json:"job_id"`
	Status    entity.JobStatus `json:"status"`
	ResultURL string           `json:"result_url,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
