package stream

import (
	"context"
	"io"
)

// ChunkSource is the decoder's view of a live response body: a sequence of
// text chunks plus a way to abort the underlying connection. A source is
// exclusively owned by one decoder and must not be shared.
type ChunkSource interface {
	// Next returns the next body chunk. It returns io.EOF once the body
	// has ended; any other error is a transport failure.
	Next(ctx context.Context) (string, error)
	// Destroy aborts the underlying connection. It must tolerate being
	// called more than once.
	Destroy()
}

// ReaderSource adapts an io.ReadCloser (typically an HTTP response body)
// into a ChunkSource.
type ReaderSource struct {
	r   io.Reader
	c   io.Closer
	buf []byte
	// err is a read error observed alongside data, held back until the
	// data has been delivered.
	err error
}

func NewReaderSource(rc io.ReadCloser) *ReaderSource {
	return &ReaderSource{r: rc, c: rc, buf: make([]byte, 32*1024)}
}

func (s *ReaderSource) Next(ctx context.Context) (string, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return "", err
	}
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			if err != nil {
				s.err = err
			}
			return string(s.buf[:n]), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *ReaderSource) Destroy() {
	if s.c != nil {
		_ = s.c.Close()
	}
}
