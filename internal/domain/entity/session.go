package entity

import "time"

// SessionStatus is the lifecycle state of a multipart upload session.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "Initiated"
	SessionInProgress SessionStatus = "InProgress"
	SessionCompleted  SessionStatus = "Completed"
	SessionAborted    SessionStatus = "Aborted"
	SessionFailed     SessionStatus = "Failed"
)

// Terminal reports whether no further transition is allowed from the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted || s == SessionFailed
}

// UploadSession tracks one multipart upload at the object store.
type UploadSession struct {
	Id          string        `json:"session_id"`
	ObjectKey   string        `json:"object_key"`
	UploadId    string        `json:"upload_id"` // Assigned by the object store.
	OwnerId     string        `json:"owner_id"`
	ContentType string        `json:"content_type"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Live reports whether the session can still accept parts.
func (s *UploadSession) Live() bool { return !s.Status.Terminal() }

// The part portion of an uploaded file.
type Part struct {
	PartNumber int64  `json:"part_number"` // 1-based part number.
	ETag       string `json:"etag"`        // Entity tag returned by the object store.
	Size       int64  `json:"size"`
}

// MultipartUpload is an in-progress multipart upload as listed by the object store.
type MultipartUpload struct {
	Key       string
	UploadId  string
	Initiated time.Time
}
