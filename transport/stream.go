package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/tomyedwab/sqlworker/protocol"
)

var errStreamClosed = errors.New("response stream closed")

// lineWriter writes each response as one JSON line. It is a worker.Sink and
// worker.Transferer; once closed, further posts fail instead of touching
// the underlying writer.
type lineWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func newLineWriter(w io.Writer) *lineWriter {
	lw := &lineWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		lw.flusher = f
	}
	return lw
}

func (lw *lineWriter) Post(resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// Values such as ±Inf have no JSON form; report instead of dropping.
		data, err = json.Marshal(protocol.ErrorResponse(resp.ID, err))
		if err != nil {
			return err
		}
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return errStreamClosed
	}
	if _, err := lw.w.Write(data); err != nil {
		return err
	}
	if lw.flusher != nil {
		lw.flusher.Flush()
	}
	return nil
}

// Transfer writes the exported buffer straight from the worker's copy.
func (lw *lineWriter) Transfer(resp protocol.Response) error {
	return lw.Post(resp)
}

func (lw *lineWriter) close() {
	lw.mu.Lock()
	lw.closed = true
	lw.mu.Unlock()
}
