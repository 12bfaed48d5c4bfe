// Package chunker splits an unbounded byte stream into multipart-sized parts.
//
// Parts are assembled from fixed-size reads. A part is emitted as soon as the
// accumulated bytes reach the minimum part size, so every part except the
// last one is at least that large and at most one read larger. Resident
// memory is bounded by one part plus one read, whatever the stream length.
package chunker

import (
	"errors"
	"fmt"
	"io"
)

// Part is one contiguous range of the stream.
type Part struct {
	Number int64 // 1-based, in emission order.
	Data   []byte
}

// Chunker is a finite, non-restartable sequence of parts read lazily from r.
type Chunker struct {
	r        io.Reader
	partSize int
	readSize int
	next     int64
	read     int64
	err      error
}

func New(r io.Reader, partSize, readSize int) (*Chunker, error) {
	if partSize <= 0 || readSize <= 0 {
		return nil, fmt.Errorf("part size (%d) and read size (%d) must be positive", partSize, readSize)
	}
	if readSize > partSize {
		return nil, fmt.Errorf("read size (%d) must not exceed part size (%d)", readSize, partSize)
	}
	return &Chunker{r: r, partSize: partSize, readSize: readSize, next: 1}, nil
}

// Next returns the next part, or io.EOF once the stream is exhausted.
// A read error is returned as is and ends the sequence.
func (c *Chunker) Next() (*Part, error) {
	if c.err != nil {
		return nil, c.err
	}
	buf := make([]byte, 0, c.partSize+c.readSize)
	for len(buf) < c.partSize {
		n, err := io.ReadFull(c.r, buf[len(buf):len(buf)+c.readSize])
		buf = buf[:len(buf)+n]
		c.read += int64(n)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			c.err = io.EOF
			break
		}
		c.err = err
		return nil, err
	}
	if len(buf) == 0 {
		return nil, c.err
	}
	p := &Part{Number: c.next, Data: buf}
	c.next++
	return p, nil
}

// BytesRead is the number of bytes consumed from the stream so far.
func (c *Chunker) BytesRead() int64 { return c.read }
