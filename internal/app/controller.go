package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/httprange"
)

// Relay is the upload orchestration the HTTP surface drives.
type Relay interface {
	Upload(ctx context.Context, req entity.UploadRequest) (*entity.UploadResult, error)
	SubmitChunk(ctx context.Context, req entity.ChunkRequest) (*entity.ChunkResult, error)
	GenerateUploadURL(ctx context.Context, req entity.UploadURLRequest) (*entity.PresignedUpload, error)
	Status(ctx context.Context, jobId string) (*entity.Job, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Multipart form overhead allowed on top of the chunk itself.
const formOverhead = 1 << 20

type controller struct {
	relay  Relay
	health HealthChecker
	opts   Options
}

// Relay a file held by the messaging platform into the bucket.
func (c *controller) upload(w http.ResponseWriter, r *http.Request) error {
	var data UploadRequest
	if err := parseJSON(w, r, &data); err != nil {
		return err
	}
	res, err := c.relay.Upload(r.Context(), entity.UploadRequest{
		FileId:   data.FileId,
		FileURL:  data.FileURL,
		OwnerId:  data.OwnerId,
		ChatId:   data.ChatId,
		FileSize: data.FileSize,
	})
	if err != nil {
		return err
	}
	code := http.StatusOK
	if res.Status == entity.UploadStatusProcessing {
		code = http.StatusAccepted
	}
	return replyJSON(w, UploadResponse{Status: res.Status, URL: res.URL, JobId: res.JobId}, code)
}

// Grant a presigned URL for a direct upload.
func (c *controller) generateUploadURL(w http.ResponseWriter, r *http.Request) error {
	var data UploadURLRequest
	if err := parseJSON(w, r, &data); err != nil {
		return err
	}
	if data.ExpiresIn < 0 {
		return &AppError{Code: http.StatusBadRequest, Message: "expires_in must be positive"}
	}
	out, err := c.relay.GenerateUploadURL(r.Context(), entity.UploadURLRequest{
		FileName:  data.FileName,
		FileType:  data.FileType,
		ExpiresIn: time.Duration(data.ExpiresIn) * time.Second,
		OwnerId:   data.OwnerId,
	})
	if err != nil {
		return err
	}
	return replyJSON(w, UploadURLResponse{
		UploadURL:   out.URL,
		ObjectKey:   out.ObjectKey,
		ExpiresAt:   out.ExpiresAt,
		MaxFileSize: out.MaxFileSize,
	}, http.StatusOK)
}

// Accept one chunk of a client-driven multipart upload.
func (c *controller) multipartUpload(w http.ResponseWriter, r *http.Request) error {
	cr, err := httprange.ParseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		return &AppError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	if cr != nil && cr.Size > c.opts.MaxFileSize {
		return fmt.Errorf("declared size %d exceeds limit %d: %w", cr.Size, c.opts.MaxFileSize, entity.ErrFileTooLarge)
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.opts.MaxChunkSize+formOverhead)
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("chunk exceeds limit %d: %w", c.opts.MaxChunkSize, entity.ErrFileTooLarge)
		}
		return &AppError{Code: http.StatusBadRequest, Message: fmt.Sprintf("cannot parse multipart form: %v", err)}
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("chunk")
	if err != nil {
		return &AppError{Code: http.StatusBadRequest, Message: "chunk file must be required"}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	if cr != nil && int64(len(data)) != cr.Length() {
		return &AppError{Code: http.StatusBadRequest, Message: "invalid length of Content-Range header"}
	}

	chunkNumber, err := strconv.ParseInt(r.FormValue("chunk_number"), 10, 64)
	if err != nil {
		return &AppError{Code: http.StatusBadRequest, Message: "chunk_number must be an integer"}
	}
	totalChunks, err := strconv.ParseInt(r.FormValue("total_chunks"), 10, 64)
	if err != nil {
		return &AppError{Code: http.StatusBadRequest, Message: "total_chunks must be an integer"}
	}
	if cr != nil && cr.IsLastByte() != (chunkNumber == totalChunks-1) {
		return &AppError{Code: http.StatusBadRequest, Message: "Content-Range disagrees with chunk_number and total_chunks"}
	}
	fileName := r.FormValue("file_name")
	if fileName == "" {
		fileName = header.Filename
	}
	contentType := r.FormValue("content_type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	res, err := c.relay.SubmitChunk(r.Context(), entity.ChunkRequest{
		OwnerId:     r.FormValue("owner_id"),
		FileName:    fileName,
		ContentType: contentType,
		ChunkNumber: chunkNumber,
		TotalChunks: totalChunks,
		Data:        data,
	})
	if err != nil {
		return err
	}
	return replyJSON(w, ChunkResponse{
		Status:      res.Status,
		SessionId:   res.SessionId,
		ChunkNumber: res.ChunkNumber,
		PartNumber:  res.Part.PartNumber,
		ETag:        res.Part.ETag,
		URL:         res.URL,
	}, http.StatusOK)
}

// Get the record of a deferred job.
func (c *controller) status(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["job_id"]
	if id == "" {
		return &AppError{Code: http.StatusBadRequest, Message: "job ID must be required"}
	}
	job, err := c.relay.Status(r.Context(), id)
	if err != nil {
		return err
	}
	return replyJSON(w, JobResponse{
		JobId:     job.Id,
		Status:    job.Status,
		ResultURL: job.URL,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, http.StatusOK)
}

func (c *controller) healthz(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := c.health.Ping(ctx); err != nil {
		return &AppError{Code: http.StatusServiceUnavailable, Message: "state store unavailable", Err: err}
	}
	return replyJSON(w, HealthResponse{Status: "ok"}, http.StatusOK)
}
