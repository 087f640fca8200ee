package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// Local invokes an in-process Worker. Responses are delivered on the
// worker goroutine.
type Local struct {
	Worker *worker.Worker
}

func (l Local) Invoke(ctx context.Context, req protocol.Request, fn func(protocol.Response) error) error {
	return l.Worker.Do(ctx, req, transferSink(fn))
}

// transferSink lets the worker hand over exported buffers without a copy;
// the client is their only reader.
type transferSink func(protocol.Response) error

func (f transferSink) Post(resp protocol.Response) error     { return f(resp) }
func (f transferSink) Transfer(resp protocol.Response) error { return f(resp) }

// HTTP invokes a worker served by the HTTP transport.
type HTTP struct {
	BaseURL string       // e.g. "http://localhost:8080"
	Token   string       // Optional bearer token
	Client  *http.Client // Optional, defaults to http.DefaultClient
}

func (h HTTP) Invoke(ctx context.Context, req protocol.Request, fn func(protocol.Response) error) error {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.Token)
	}

	httpClient := h.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("client: post request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("client: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		var r protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
		if r.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("client: read responses: %w", err)
	}
	return nil
}

// NATS invokes a worker served by the NATS transport.
type NATS struct {
	Conn    *nats.Conn
	Subject string // the worker's request subject
}

func (n NATS) Invoke(ctx context.Context, req protocol.Request, fn func(protocol.Response) error) error {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	inbox := n.Conn.NewRespInbox()
	sub, err := n.Conn.SubscribeSync(inbox)
	if err != nil {
		return fmt.Errorf("client: subscribe inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := n.Conn.PublishRequest(n.Subject, inbox, payload); err != nil {
		return fmt.Errorf("client: publish request: %w", err)
	}

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return fmt.Errorf("client: await response: %w", err)
		}
		var r protocol.Response
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
		if r.Terminal() {
			return nil
		}
	}
}
