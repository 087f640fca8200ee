package worker

import (
	"bytes"

	"github.com/tomyedwab/sqlworker/protocol"
)

// Sink receives the responses for one request, in order.
type Sink interface {
	Post(resp protocol.Response) error
}

// Transferer is implemented by sinks that can take ownership of an exported
// buffer instead of receiving a copy.
type Transferer interface {
	Transfer(resp protocol.Response) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(resp protocol.Response) error

func (f SinkFunc) Post(resp protocol.Response) error { return f(resp) }

// Collector is a Sink that records every response. It is only safe to read
// once the request has completed.
type Collector struct {
	Responses []protocol.Response
}

func (c *Collector) Post(resp protocol.Response) error {
	c.Responses = append(c.Responses, resp)
	return nil
}

// Transfer keeps the buffer without copying.
func (c *Collector) Transfer(resp protocol.Response) error {
	return c.Post(resp)
}

// Last returns the final response, or an empty one.
func (c *Collector) Last() protocol.Response {
	if len(c.Responses) == 0 {
		return protocol.Response{}
	}
	return c.Responses[len(c.Responses)-1]
}

// sinkError marks a failure of the sink itself, which must not be reported
// back through the same sink.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "post response: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func post(sink Sink, resp protocol.Response) error {
	if err := sink.Post(resp); err != nil {
		return &sinkError{err: err}
	}
	return nil
}

// deliverBuffer hands an exported image to the sink, transferring ownership
// when supported and copying otherwise.
func deliverBuffer(sink Sink, resp protocol.Response) error {
	if t, ok := sink.(Transferer); ok {
		if err := t.Transfer(resp); err != nil {
			return &sinkError{err: err}
		}
		return nil
	}
	resp.Buffer = bytes.Clone(resp.Buffer)
	if resp.Buffer == nil {
		resp.Buffer = []byte{}
	}
	return post(sink, resp)
}
