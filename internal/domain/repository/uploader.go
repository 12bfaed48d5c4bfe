package repository

import (
	"context"
	"time"

	"github.com/molpadia/molparelay/internal/domain/entity"
)

type Uploader interface {
	// Initiates a multipart upload and return an upload ID from the object store.
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	// Upload a file part to the object store.
	UploadPart(ctx context.Context, key, uploadId string, body []byte, partNumber int64) (*entity.Part, error)
	// Mark the multipart upload as completed with the ordered part list.
	CompleteMultipart(ctx context.Context, key, uploadId string, parts []*entity.Part) error
	// Cancel the multipart upload and free the storage reserved by its parts.
	AbortMultipart(ctx context.Context, key, uploadId string) error
	// List multipart uploads still in progress under the given prefix.
	ListMultipart(ctx context.Context, prefix string) ([]*entity.MultipartUpload, error)
	// Upload an entire file with a single put.
	SimpleUpload(ctx context.Context, key, contentType string, body []byte) error
	// Presign a direct PUT of the given key.
	PresignUpload(key, contentType string, expires time.Duration) (string, error)
	// Get the durable URL of a stored object, public or signed.
	ObjectURL(key string) (string, error)
}
