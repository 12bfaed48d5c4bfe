package entity

import "time"

const (
	UploadedStatusCompleted = "UPLOADED"
	UploadedStatusFailed    = "FAILED"
)

// Transfer modes recorded for a relayed video.
const (
	ModeDirect    = "direct"
	ModeMultipart = "multipart"
	ModeChunked   = "chunked"
)

// The durable record of a video relayed into the bucket.
type Video struct {
	Id          string
	ObjectKey   string
	URL         string
	OwnerId     string
	ChatId      string
	SourceId    string
	ContentType string
	Size        int64
	Parts       int64
	Mode        string
	Status      string
	CreatedAt   int64
}

func NewVideo(id, key, url, ownerId, contentType string, size int64) *Video {
	return &Video{
		Id:          id,
		ObjectKey:   key,
		URL:         url,
		OwnerId:     ownerId,
		ContentType: contentType,
		Size:        size,
		Status:      UploadedStatusCompleted,
		CreatedAt:   time.Now().Unix(),
	}
}

// Mark the upload status to the video.
func (v *Video) SetStatus(status string) {
	v.Status = status
}
