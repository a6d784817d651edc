package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// responseRecorder 包装 http.ResponseWriter 以记录状态码和响应大小
type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	headerWritten bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rec, ok := w.(*responseRecorder); ok {
		return rec
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytesWritten += int64(n)
	return n, err
}

// Flush 实现 http.Flusher 接口
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack 实现 http.Hijacker 接口, WebSocket 升级需要
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	r.headerWritten = true
	return hijacker.Hijack()
}

// Unwrap 供 http.ResponseController 访问底层 ResponseWriter
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
