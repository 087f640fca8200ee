package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
)

// ErrUnexpectedResponse is returned when a response does not match the
// request it answers.
var ErrUnexpectedResponse = errors.New("client: unexpected response")

// Invoker delivers one request and calls fn for each of its responses, in
// order, until the terminal one. An error returned by fn aborts delivery.
type Invoker interface {
	Invoke(ctx context.Context, req protocol.Request, fn func(protocol.Response) error) error
}

// Client issues typed requests through an Invoker and checks that every
// response carries the id of the request it answers.
type Client struct {
	inv Invoker
}

// New creates a Client.
func New(inv Invoker) *Client {
	return &Client{inv: inv}
}

func newID() protocol.ID {
	return protocol.StringID(uuid.NewString())
}

// call runs req and returns its single response.
func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var (
		got  protocol.Response
		seen bool
	)
	err := c.inv.Invoke(ctx, req, func(resp protocol.Response) error {
		if err := checkID(req, resp); err != nil {
			return err
		}
		got, seen = resp, true
		return nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	if !seen {
		return protocol.Response{}, fmt.Errorf("%w: no response to %s", ErrUnexpectedResponse, req.Action())
	}
	if err := got.Err(); err != nil {
		return protocol.Response{}, err
	}
	return got, nil
}

func checkID(req protocol.Request, resp protocol.Response) error {
	if !bytes.Equal(req.RequestID(), resp.ID) {
		return fmt.Errorf("%w: id %s does not match request %s", ErrUnexpectedResponse, resp.ID, req.RequestID())
	}
	return nil
}

// Open replaces the worker's database, restoring data when it is non-empty.
func (c *Client) Open(ctx context.Context, data []byte) error {
	resp, err := c.call(ctx, protocol.Open{ID: newID(), Buffer: data})
	if err != nil {
		return err
	}
	if !resp.Ready {
		return fmt.Errorf("%w: open not acknowledged", ErrUnexpectedResponse)
	}
	return nil
}

// Exec runs a SQL script and returns the result set of every statement that
// produced rows.
func (c *Client) Exec(ctx context.Context, sql string, params engine.Params, opts engine.Options) ([]engine.ResultSet, error) {
	resp, err := c.call(ctx, protocol.Exec{ID: newID(), SQL: sql, Params: params, Options: opts})
	if err != nil {
		return nil, err
	}
	for _, rs := range resp.Results {
		for _, row := range rs.Values {
			for i, v := range row {
				row[i] = normalize(v)
			}
		}
	}
	if resp.Results == nil {
		return []engine.ResultSet{}, nil
	}
	return resp.Results, nil
}

// Each calls fn for every row of the first statement of sql.
func (c *Client) Each(ctx context.Context, sql string, params engine.Params, opts engine.Options, fn func(engine.Row) error) error {
	req := protocol.Each{ID: newID(), SQL: sql, Params: params, Options: opts}

	var (
		fnErr    error
		finished bool
		failure  error
	)
	err := c.inv.Invoke(ctx, req, func(resp protocol.Response) error {
		if err := checkID(req, resp); err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			failure = err
			return nil
		}
		if resp.Terminal() {
			finished = true
			return nil
		}
		for k, v := range resp.Row {
			resp.Row[k] = normalize(v)
		}
		if err := fn(resp.Row); err != nil {
			fnErr = err
			return err
		}
		return nil
	})
	switch {
	case fnErr != nil:
		return fnErr
	case err != nil:
		return err
	case failure != nil:
		return failure
	case !finished:
		return fmt.Errorf("%w: row stream ended early", ErrUnexpectedResponse)
	}
	return nil
}

// Export returns a serialized image of the worker's database.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, protocol.Export{ID: newID()})
	if err != nil {
		return nil, err
	}
	if resp.Buffer == nil {
		return []byte{}, nil
	}
	return resp.Buffer, nil
}

// Close releases the worker's database.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.call(ctx, protocol.Close{ID: newID()})
	return err
}

// normalize turns numbers decoded from JSON into int64, *big.Int or float64.
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if b, ok := new(big.Int).SetString(n.String(), 10); ok {
		return b
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
