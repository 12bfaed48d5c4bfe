package httprange

import (
	"errors"
	"strconv"
	"strings"
)

// ContentRange is a parsed "bytes start-end/size" header.
type ContentRange struct {
	Start, End, Size int64
}

// Get the length of the byte range carried by the request.
func (cr *ContentRange) Length() int64 { return cr.End - cr.Start + 1 }

// Determine whether the range ends at the last byte of the file.
func (cr *ContentRange) IsLastByte() bool {
	return cr.End+1 >= cr.Size
}

// ParseContentRange parses a Content-Range header. An empty header yields a
// nil range and no error.
func ParseContentRange(s string) (*ContentRange, error) {
	const b = "bytes "
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, b) {
		return nil, errors.New("invalid unit of Content-Range header")
	}
	r := strings.Split(s[len(b):], "/")
	if len(r) != 2 {
		return nil, errors.New("invalid size of Content-Range header")
	}
	size, err := strconv.ParseInt(strings.TrimSpace(r[1]), 10, 64)
	if err != nil {
		return nil, errors.New("cannot parse size of Content-Range header")
	}
	r = strings.Split(r[0], "-")
	if len(r) != 2 {
		return nil, errors.New("cannot parse Content-Range header, expected format \"start-end\"")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(r[0]), 10, 64)
	if err != nil {
		return nil, errors.New("cannot parse start of Content-Range header")
	}
	end, err := strconv.ParseInt(strings.TrimSpace(r[1]), 10, 64)
	if err != nil {
		return nil, errors.New("cannot parse end of Content-Range header")
	}
	if start < 0 || end < start || end >= size {
		return nil, errors.New("unsatisfiable range in Content-Range header")
	}
	return &ContentRange{Start: start, End: end, Size: size}, nil
}
