package session

import (
	"bytes"
	"io"
	"strconv"

	"hydra/internal/sockopt"
)

var headerTerminator = []byte("\r\n\r\n")

// ExtractBody returns the bytes after the first CRLFCRLF in chunk, or nil if
// the chunk has no terminator. The result aliases chunk.
func ExtractBody(chunk []byte) []byte {
	i := bytes.Index(chunk, headerTerminator)
	if i < 0 {
		return nil
	}
	return chunk[i+len(headerTerminator):]
}

// ResponseHeader renders the fixed reply header for a body of bodyLen bytes.
func ResponseHeader(bodyLen int) []byte {
	b := make([]byte, 0, 80)
	b = append(b, "HTTP/1.1 200 OK\r\nContent-Length: "...)
	b = strconv.AppendInt(b, int64(bodyLen), 10)
	b = append(b, "\r\nConnection: keep-alive\r\n\r\n"...)
	return b
}

// WriteFull writes all of p to w, continuing after short writes.
func WriteFull(w io.Writer, p []byte) error { return sockopt.WriteFull(w, p) }
