// Package testutil provides in-process stand-ins for the object store and the
// state store.
package testutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/infrastructure/persistence"
	"github.com/redis/go-redis/v9"
)

// NewStateStore returns a state store and job queue backed by an in-process
// Redis that is shut down with the test.
func NewStateStore(t testing.TB) (*persistence.RedisStateStore, *persistence.RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return persistence.NewRedisStateStore(rdb, "test"), persistence.NewRedisJobQueue(rdb, "test"), srv
}

// Uploader is an in-memory object store. The Func fields override the
// default behavior of each operation.
type Uploader struct {
	BaseURL string
	// DiscardData drops part bodies instead of assembling objects.
	DiscardData bool

	CreateMultipartFunc   func(key string) (string, error)
	UploadPartFunc        func(key, uploadId string, body []byte, partNumber int64) (*entity.Part, error)
	CompleteMultipartFunc func(key, uploadId string, parts []*entity.Part) error
	AbortMultipartFunc    func(key, uploadId string) error
	SimpleUploadFunc      func(key string, body []byte) error

	mu        sync.Mutex
	next      int
	Creates   int
	Aborts    int
	Completes int
	Puts      int
	PartCalls []int64
	Uploads   map[string]*entity.MultipartUpload
	Objects   map[string][]byte
	parts     map[string]map[int64][]byte
}

func NewUploader() *Uploader {
	return &Uploader{
		BaseURL: "https://storage.example.com/bucket",
		Uploads: make(map[string]*entity.MultipartUpload),
		Objects: make(map[string][]byte),
		parts:   make(map[string]map[int64][]byte),
	}
}

func (u *Uploader) CreateMultipart(_ context.Context, key, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Creates++
	if u.CreateMultipartFunc != nil {
		return u.CreateMultipartFunc(key)
	}
	u.next++
	id := fmt.Sprintf("upload-%d", u.next)
	u.Uploads[id] = &entity.MultipartUpload{Key: key, UploadId: id, Initiated: time.Now()}
	u.parts[id] = make(map[int64][]byte)
	return id, nil
}

func (u *Uploader) UploadPart(_ context.Context, key, uploadId string, body []byte, partNumber int64) (*entity.Part, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.PartCalls = append(u.PartCalls, partNumber)
	if u.UploadPartFunc != nil {
		return u.UploadPartFunc(key, uploadId, body, partNumber)
	}
	parts, ok := u.parts[uploadId]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadId, entity.ErrStoreRejection)
	}
	if !u.DiscardData {
		parts[partNumber] = append([]byte(nil), body...)
	}
	sum := md5.Sum(body)
	return &entity.Part{PartNumber: partNumber, ETag: hex.EncodeToString(sum[:]), Size: int64(len(body))}, nil
}

func (u *Uploader) CompleteMultipart(_ context.Context, key, uploadId string, parts []*entity.Part) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Completes++
	if u.CompleteMultipartFunc != nil {
		return u.CompleteMultipartFunc(key, uploadId, parts)
	}
	stored, ok := u.parts[uploadId]
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadId, entity.ErrStoreRejection)
	}
	var object []byte
	for _, p := range parts {
		object = append(object, stored[p.PartNumber]...)
	}
	u.Objects[key] = object
	delete(u.Uploads, uploadId)
	delete(u.parts, uploadId)
	return nil
}

func (u *Uploader) AbortMultipart(_ context.Context, key, uploadId string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Aborts++
	if u.AbortMultipartFunc != nil {
		return u.AbortMultipartFunc(key, uploadId)
	}
	delete(u.Uploads, uploadId)
	delete(u.parts, uploadId)
	return nil
}

func (u *Uploader) ListMultipart(_ context.Context, _ string) ([]*entity.MultipartUpload, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var uploads []*entity.MultipartUpload
	for _, up := range u.Uploads {
		uploads = append(uploads, up)
	}
	return uploads, nil
}

func (u *Uploader) SimpleUpload(_ context.Context, key, _ string, body []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Puts++
	if u.SimpleUploadFunc != nil {
		return u.SimpleUploadFunc(key, body)
	}
	u.Objects[key] = append([]byte(nil), body...)
	return nil
}

func (u *Uploader) PresignUpload(key, _ string, expires time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?X-Amz-Expires=%d", u.BaseURL, key, int(expires.Seconds())), nil
}

func (u *Uploader) ObjectURL(key string) (string, error) {
	return u.BaseURL + "/" + key, nil
}

// Calls returns the counters of the multipart lifecycle operations.
func (u *Uploader) Calls() (creates, completes, aborts int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Creates, u.Completes, u.Aborts
}
