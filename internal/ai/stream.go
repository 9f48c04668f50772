package ai

import (
	"context"
	"io"
	"net/http"
)

const DefaultChunkSize = 1024

// RelayProvider is an optional interface. Providers may hand back the raw
// upstream response so callers can pass the bytes through untouched.
type RelayProvider interface {
	Relay(ctx context.Context, messages []Message) (*http.Response, error)
}

// CopyChunks forwards r to w one read at a time, flushing after every write, so the
// receiver never sees chunks larger than size. It returns the number of bytes written.
func CopyChunks(w io.Writer, flush func(), r io.Reader, size int) (int64, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)

	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flush != nil {
				flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &ConnectionError{Err: rerr}
		}
	}
}
