package entity

import "errors"

var (
	// The source platform could not resolve or serve the requested file.
	ErrSourceUnavailable = errors.New("source unavailable")
	// The declared or discovered size exceeds the configured ceiling.
	ErrFileTooLarge = errors.New("file too large")
	// A part number was neither the next one in sequence nor an already recorded one.
	ErrOutOfOrderPart = errors.New("out of order part")
	// No live upload session matches the request.
	ErrSessionNotFound = errors.New("upload session not found")
	// The object store rejected a multipart or put request.
	ErrStoreRejection = errors.New("object store rejected request")
	// The object key was completed recently and cannot be reopened yet.
	ErrUploadCompleted = errors.New("upload already completed")
	// A key does not exist in the state store.
	ErrNotFound = errors.New("key not found")
	// No job record matches the given job ID.
	ErrJobNotFound = errors.New("job not found")
	// The request failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// The source produced no bytes at all.
	ErrEmptySource = errors.New("source is empty")
)
