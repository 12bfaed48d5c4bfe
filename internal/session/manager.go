// Package session owns the lifecycle of multipart upload sessions: it opens
// uploads at the object store, records every accepted part in the state
// store and drives completion or abort exactly once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/molpadia/molparelay/internal/domain/repository"
	"github.com/molpadia/molparelay/internal/metrics"
	"github.com/rs/zerolog"
)

// Cleanup calls run detached from the caller's context, which is often the
// one that just timed out.
const cleanupTimeout = 30 * time.Second

// How long a sealed object key refuses a new session.
const sealTTL = 10 * time.Minute

type Manager struct {
	store    repository.StateStore
	uploader repository.Uploader
	ttl      time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewManager(store repository.StateStore, uploader repository.Uploader, ttl time.Duration, log zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		uploader: uploader,
		ttl:      ttl,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

func sessionKey(id string) string { return "session:" + id }

func partsKey(id string) string { return "session:" + id + ":parts" }

func indexKey(objectKey string) string { return "session:key:" + objectKey }

func sealKey(objectKey string) string { return "completed:" + objectKey }

// Begin returns the live session for objectKey, or opens a new multipart
// upload at the store when there is none.
func (m *Manager) Begin(ctx context.Context, ownerId, objectKey, contentType string) (*entity.UploadSession, error) {
	s, err := m.Lookup(ctx, objectKey)
	if err == nil {
		m.log.Debug().Str("session_id", s.Id).Str("object_key", objectKey).Msg("resuming live session")
		return s, nil
	}
	if !errors.Is(err, entity.ErrSessionNotFound) {
		return nil, err
	}
	_, err = m.store.Get(ctx, sealKey(objectKey))
	if err == nil {
		return nil, fmt.Errorf("object %s: %w", objectKey, entity.ErrUploadCompleted)
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return nil, err
	}

	uploadId, err := m.uploader.CreateMultipart(ctx, objectKey, contentType)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s = &entity.UploadSession{
		Id:          uuid.NewString(),
		ObjectKey:   objectKey,
		UploadId:    uploadId,
		OwnerId:     ownerId,
		ContentType: contentType,
		Status:      entity.SessionInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = m.save(ctx, s)
	if err == nil {
		err = m.store.Set(ctx, indexKey(objectKey), []byte(s.Id), m.ttl)
	}
	if err != nil {
		// Nothing tracks the upload, so release it right away.
		m.abortUpload(s)
		return nil, fmt.Errorf("persist session for %s: %w", objectKey, err)
	}
	m.log.Info().Str("session_id", s.Id).Str("upload_id", uploadId).Str("object_key", objectKey).Msg("session initiated")
	return s, nil
}

// Get loads a session by ID, whatever its status.
func (m *Manager) Get(ctx context.Context, id string) (*entity.UploadSession, error) {
	data, err := m.store.Get(ctx, sessionKey(id))
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, entity.ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	var s entity.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// Lookup returns the live session writing objectKey.
func (m *Manager) Lookup(ctx context.Context, objectKey string) (*entity.UploadSession, error) {
	id, err := m.store.Get(ctx, indexKey(objectKey))
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("object %s: %w", objectKey, entity.ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	s, err := m.Get(ctx, string(id))
	if err != nil {
		return nil, err
	}
	if !s.Live() {
		return nil, fmt.Errorf("session %s is %s: %w", s.Id, s.Status, entity.ErrSessionNotFound)
	}
	return s, nil
}

// live reloads s and fails unless it can still change. The caller's copy may
// be stale when a duplicate request already finished the session.
func (m *Manager) live(ctx context.Context, s *entity.UploadSession) (*entity.UploadSession, error) {
	cur, err := m.Get(ctx, s.Id)
	if err != nil {
		return nil, err
	}
	if !cur.Live() {
		return nil, fmt.Errorf("session %s is %s: %w", cur.Id, cur.Status, entity.ErrSessionNotFound)
	}
	return cur, nil
}

// SubmitPart uploads body as partNumber. The number must be the next one in
// sequence, or an already recorded one which is then overwritten.
func (m *Manager) SubmitPart(ctx context.Context, s *entity.UploadSession, partNumber int64, body []byte) (*entity.Part, error) {
	cur, err := m.live(ctx, s)
	if err != nil {
		return nil, err
	}
	*s = *cur
	count, err := m.store.Len(ctx, partsKey(s.Id))
	if err != nil {
		return nil, err
	}
	if partNumber < 1 || partNumber > count+1 {
		return nil, fmt.Errorf("part %d with %d parts recorded: %w", partNumber, count, entity.ErrOutOfOrderPart)
	}

	part, err := m.uploader.UploadPart(ctx, s.ObjectKey, s.UploadId, body, partNumber)
	if err != nil {
		return nil, m.fail(s, err)
	}
	data, err := json.Marshal(part)
	if err != nil {
		return nil, err
	}
	if partNumber == count+1 {
		_, err = m.store.Append(ctx, partsKey(s.Id), data)
	} else {
		err = m.store.SetIndex(ctx, partsKey(s.Id), partNumber-1, data)
		m.log.Info().Str("session_id", s.Id).Int64("part_number", partNumber).Msg("part overwritten")
	}
	if err == nil {
		err = m.store.Expire(ctx, partsKey(s.Id), m.ttl)
	}
	if err == nil {
		err = m.store.Expire(ctx, indexKey(s.ObjectKey), m.ttl)
	}
	if err == nil {
		s.Status = entity.SessionInProgress
		err = m.save(ctx, s)
	}
	if err != nil {
		return nil, m.fail(s, fmt.Errorf("record part %d: %w", partNumber, err))
	}
	m.metrics.ObservePart(part.Size)
	m.log.Debug().Str("session_id", s.Id).Int64("part_number", partNumber).Int64("size", part.Size).Msg("part uploaded")
	return part, nil
}

// Parts returns the recorded parts in part number order.
func (m *Manager) Parts(ctx context.Context, s *entity.UploadSession) ([]*entity.Part, error) {
	items, err := m.store.Range(ctx, partsKey(s.Id), 0, -1)
	if err != nil {
		return nil, err
	}
	parts := make([]*entity.Part, 0, len(items))
	for _, item := range items {
		var p entity.Part
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("decode part of session %s: %w", s.Id, err)
		}
		parts = append(parts, &p)
	}
	return parts, nil
}

// Complete submits the ordered part list to the store and returns the final
// URL of the object. A rejected completion fails the session and aborts the
// upload.
func (m *Manager) Complete(ctx context.Context, s *entity.UploadSession) (string, error) {
	cur, err := m.live(ctx, s)
	if err != nil {
		return "", err
	}
	*s = *cur
	parts, err := m.Parts(ctx, s)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("complete session %s without parts: %w", s.Id, entity.ErrInvalidRequest)
	}
	for i, p := range parts {
		if p.PartNumber != int64(i+1) {
			return "", m.fail(s, fmt.Errorf("part %d recorded at position %d: %w", p.PartNumber, i+1, entity.ErrStoreRejection))
		}
	}
	if err := m.uploader.CompleteMultipart(ctx, s.ObjectKey, s.UploadId, parts); err != nil {
		return "", m.fail(s, err)
	}

	s.Status = entity.SessionCompleted
	if err := m.save(ctx, s); err != nil {
		m.log.Err(err).Str("session_id", s.Id).Msg("failed to persist completed session")
	}
	m.metrics.ObserveSession(string(entity.SessionCompleted))
	m.log.Info().Str("session_id", s.Id).Str("object_key", s.ObjectKey).Int("parts", len(parts)).Msg("session completed")
	return m.uploader.ObjectURL(s.ObjectKey)
}

// Abort cancels a live session at the store and drops its state. Sessions
// that already reached a terminal status are left untouched.
func (m *Manager) Abort(ctx context.Context, s *entity.UploadSession) error {
	cur, err := m.Get(ctx, s.Id)
	if errors.Is(err, entity.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cur.Live() {
		*s = *cur
		return nil
	}
	ctx, cancel := detached()
	defer cancel()
	if err := m.uploader.AbortMultipart(ctx, cur.ObjectKey, cur.UploadId); err != nil {
		return err
	}
	cur.Status = entity.SessionAborted
	cur.UpdatedAt = m.now().UTC()
	*s = *cur
	m.metrics.ObserveSession(string(entity.SessionAborted))
	m.log.Info().Str("session_id", cur.Id).Str("upload_id", cur.UploadId).Msg("session aborted")
	return m.Release(ctx, cur)
}

// Seal keeps a new session from being opened on objectKey for a while, so a
// replayed first chunk cannot restart a finished upload.
func (m *Manager) Seal(ctx context.Context, objectKey string) error {
	ttl := sealTTL
	if m.ttl < ttl {
		ttl = m.ttl
	}
	return m.store.Set(ctx, sealKey(objectKey), []byte("1"), ttl)
}

// Release removes every key of the session from the state store.
func (m *Manager) Release(ctx context.Context, s *entity.UploadSession) error {
	return m.store.Delete(ctx, sessionKey(s.Id), partsKey(s.Id), indexKey(s.ObjectKey))
}

// IsTracked reports whether a live session owns the given store upload.
func (m *Manager) IsTracked(ctx context.Context, objectKey, uploadId string) (bool, error) {
	s, err := m.Lookup(ctx, objectKey)
	if errors.Is(err, entity.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.UploadId == uploadId, nil
}

func (m *Manager) save(ctx context.Context, s *entity.UploadSession) error {
	s.UpdatedAt = m.now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, sessionKey(s.Id), data, m.ttl)
}

// fail marks s as Failed, aborts its upload at the store and returns cause.
func (m *Manager) fail(s *entity.UploadSession, cause error) error {
	ctx, cancel := detached()
	defer cancel()
	s.Status = entity.SessionFailed
	if err := m.save(ctx, s); err != nil {
		m.log.Err(err).Str("session_id", s.Id).Msg("failed to persist failed session")
	}
	m.abortUpload(s)
	m.metrics.ObserveSession(string(entity.SessionFailed))
	m.log.Error().Err(cause).Str("session_id", s.Id).Str("upload_id", s.UploadId).Msg("session failed")
	return cause
}

func (m *Manager) abortUpload(s *entity.UploadSession) {
	ctx, cancel := detached()
	defer cancel()
	if err := m.uploader.AbortMultipart(ctx, s.ObjectKey, s.UploadId); err != nil {
		m.log.Err(err).Str("session_id", s.Id).Str("upload_id", s.UploadId).Msg("failed to abort multipart upload")
	}
}

func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cleanupTimeout)
}
