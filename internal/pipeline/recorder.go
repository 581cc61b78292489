package pipeline

import (
	"bytes"
	"net/http"
)

// ResponseRecorder wraps the client's ResponseWriter, recording status and
// size for the response stages. When capture is armed it also buffers the
// body, up to a limit, so the cache-store stage can persist it.
type ResponseRecorder struct {
	http.ResponseWriter

	status      int
	bytes       int64
	wroteHeader bool

	capture  bool
	limit    int64
	overflow bool
	buf      bytes.Buffer
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Capture arms body buffering for cacheable requests. Bodies beyond limit
// stream through uncached.
func (rr *ResponseRecorder) Capture(limit int64) {
	rr.capture = true
	rr.limit = limit
}

func (rr *ResponseRecorder) WriteHeader(code int) {
	if rr.wroteHeader {
		return
	}
	rr.status = code
	rr.wroteHeader = true
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	if rr.capture && !rr.overflow {
		if int64(rr.buf.Len())+int64(len(b)) > rr.limit {
			rr.overflow = true
			rr.buf.Reset()
		} else {
			rr.buf.Write(b)
		}
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Status returns the written status code, 200 when never set explicitly.
func (rr *ResponseRecorder) Status() int { return rr.status }

// BytesWritten returns the number of body bytes sent to the client.
func (rr *ResponseRecorder) BytesWritten() int64 { return rr.bytes }

// Body returns the captured body, or nil when capture was off or the body
// outgrew the limit.
func (rr *ResponseRecorder) Body() []byte {
	if !rr.capture || rr.overflow {
		return nil
	}
	return rr.buf.Bytes()
}
