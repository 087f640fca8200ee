// Package client issues requests to a worker and correlates the responses.
//
// Each request gets a fresh uuid as its id. The same Client works against
// an in-process worker (Local), the HTTP transport (HTTP) or the NATS
// transport (NATS):
//
//	c := client.New(client.HTTP{BaseURL: "http://localhost:8080"})
//	results, err := c.Exec(ctx, "SELECT 1", engine.Params{}, engine.Options{})
//
// Numbers arriving over JSON are returned as int64, *big.Int or float64.
// Blobs arrive as base64 text over HTTP and NATS. With Local, callbacks run
// on the worker goroutine and must not issue requests of their own.
package client
