package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/molpadia/molparelay/internal/domain/entity"
)

// S3Options configures the connection to an S3-compatible object store.
type S3Options struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

func awsConfig(opts S3Options) *aws.Config {
	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	return cfg
}

// NewS3API constructs a native S3 client for AWS or any S3-compatible endpoint.
func NewS3API(opts S3Options) (s3iface.S3API, error) {
	cfg := awsConfig(opts).WithS3ForcePathStyle(opts.ForcePathStyle)
	if opts.Endpoint != "" {
		cfg.WithEndpoint(opts.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating a new session with aws config: %w", err)
	}
	return s3.New(sess), nil
}

// UploaderOptions controls bucket addressing, URL shape and call timeouts.
type UploaderOptions struct {
	Bucket       string
	BaseURL      string // Public base URL of the bucket, without trailing slash.
	SignedURLs   bool
	SignedURLTTL time.Duration
	Timeout      time.Duration // Applied to every store call.
}

type Uploader struct {
	s3   s3iface.S3API
	opts UploaderOptions
}

func NewUploader(api s3iface.S3API, opts UploaderOptions) *Uploader {
	return &Uploader{s3: api, opts: opts}
}

func (u *Uploader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, u.opts.Timeout)
}

// Initiates a multipart upload and return an upload ID from the object store.
func (u *Uploader) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	out, err := u.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", storeError("create multipart upload", err)
	}
	return aws.StringValue(out.UploadId), nil
}

// Mark the multipart upload as completed for the object store.
func (u *Uploader) CompleteMultipart(ctx context.Context, key, uploadId string, parts []*entity.Part) error {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	var fileParts []*s3.CompletedPart
	for _, part := range parts {
		fileParts = append(fileParts, &s3.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int64(part.PartNumber),
		})
	}
	_, err := u.s3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String(u.opts.Bucket),
		Key:    aws.String(key),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: fileParts,
		},
		UploadId: aws.String(uploadId),
	})
	if err != nil {
		return storeError("complete multipart upload", err)
	}
	return nil
}

func (u *Uploader) AbortMultipart(ctx context.Context, key, uploadId string) error {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	_, err := u.s3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.opts.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadId),
	})
	// The upload is already gone when it was completed or aborted before.
	if errorCode(err) == s3.ErrCodeNoSuchUpload {
		return nil
	}
	if err != nil {
		return storeError("abort multipart upload", err)
	}
	return nil
}

func (u *Uploader) ListMultipart(ctx context.Context, prefix string) ([]*entity.MultipartUpload, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	var uploads []*entity.MultipartUpload
	err := u.s3.ListMultipartUploadsPagesWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(u.opts.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListMultipartUploadsOutput, _ bool) bool {
		for _, up := range page.Uploads {
			uploads = append(uploads, &entity.MultipartUpload{
				Key:       aws.StringValue(up.Key),
				UploadId:  aws.StringValue(up.UploadId),
				Initiated: aws.TimeValue(up.Initiated),
			})
		}
		return true
	})
	if err != nil {
		return nil, storeError("list multipart uploads", err)
	}
	return uploads, nil
}

// Upload an entire file to the object store.
func (u *Uploader) SimpleUpload(ctx context.Context, key, contentType string, body []byte) error {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	_, err := u.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:          bytes.NewReader(body),
		Bucket:        aws.String(u.opts.Bucket),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		Key:           aws.String(key),
	})
	if err != nil {
		return storeError("put object", err)
	}
	return nil
}

// Upload a file part to the object store.
func (u *Uploader) UploadPart(ctx context.Context, key, uploadId string, body []byte, partNumber int64) (*entity.Part, error) {
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	out, err := u.s3.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Body:          bytes.NewReader(body),
		Bucket:        aws.String(u.opts.Bucket),
		ContentLength: aws.Int64(int64(len(body))),
		Key:           aws.String(key),
		PartNumber:    aws.Int64(partNumber),
		UploadId:      aws.String(uploadId),
	})
	if err != nil {
		return nil, storeError(fmt.Sprintf("upload part %d", partNumber), err)
	}
	return &entity.Part{ETag: aws.StringValue(out.ETag), PartNumber: partNumber, Size: int64(len(body))}, nil
}

func (u *Uploader) PresignUpload(key, contentType string, expires time.Duration) (string, error) {
	req, _ := u.s3.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	url, err := req.Presign(expires)
	if err != nil {
		return "", fmt.Errorf("presign upload of %s: %w", key, err)
	}
	return url, nil
}

func (u *Uploader) ObjectURL(key string) (string, error) {
	if !u.opts.SignedURLs {
		return u.opts.BaseURL + "/" + key, nil
	}
	req, _ := u.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(u.opts.Bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(u.opts.SignedURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign download of %s: %w", key, err)
	}
	return url, nil
}

// storeError classifies every object store failure as a rejection while
// keeping the AWS error in the chain.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, entity.ErrStoreRejection, err)
}

func errorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}
