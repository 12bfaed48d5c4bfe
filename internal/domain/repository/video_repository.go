package repository

import "github.com/molpadia/molparelay/internal/domain/entity"

// VideoRepository keeps the durable record of every relayed video.
type VideoRepository interface {
	// Save an entity to the persistence.
	Save(video *entity.Video) error
}
