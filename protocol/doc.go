// Package protocol defines the messages exchanged with a worker: the closed
// set of request variants, their JSON wire form and the response shapes.
//
// A request on the wire looks like
//
//	{"id": 1, "action": "exec", "sql": "SELECT ?", "params": [42]}
//
// and is answered with
//
//	{"id": 1, "results": [{"columns": ["?"], "values": [[42]]}]}
//
// Failures are answered with {"id": ..., "error": "...", "errorKind": "..."}.
// Blob values travel as base64 strings, so a blob sent as a parameter is
// indistinguishable from text and binds as TEXT.
package protocol
