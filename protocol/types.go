package protocol

import (
	"encoding/json"

	"github.com/tomyedwab/sqlworker/engine"
)

// --- JSON structures exchanged with the worker ---

// Action names the operation a request asks for.
type Action string

const (
	ActionOpen   Action = "open"
	ActionExec   Action = "exec"
	ActionEach   Action = "each"
	ActionExport Action = "export"
	ActionClose  Action = "close"
)

// ID is the opaque correlation id of a request. It is echoed back unchanged
// on every response for that request.
type ID = json.RawMessage

// StringID returns the JSON encoding of s as an ID.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return b
}

// Request is one of Open, Exec, Each, Export or Close.
type Request interface {
	RequestID() ID
	Action() Action
	isRequest()
}

// Open replaces the worker's database with a new one, loaded from Buffer
// when it is non-empty.
type Open struct {
	ID     ID
	Buffer []byte
}

// Exec runs a SQL script and returns every non-empty result set.
type Exec struct {
	ID      ID
	SQL     string
	Params  engine.Params
	Options engine.Options
}

// Each runs the first statement of SQL and streams one response per row.
type Each struct {
	ID      ID
	SQL     string
	Params  engine.Params
	Options engine.Options
}

// Export serializes the open database.
type Export struct {
	ID ID
}

// Close releases the open database, if any.
type Close struct {
	ID ID
}

func (r Open) RequestID() ID   { return r.ID }
func (r Exec) RequestID() ID   { return r.ID }
func (r Each) RequestID() ID   { return r.ID }
func (r Export) RequestID() ID { return r.ID }
func (r Close) RequestID() ID  { return r.ID }

func (Open) Action() Action   { return ActionOpen }
func (Exec) Action() Action   { return ActionExec }
func (Each) Action() Action   { return ActionEach }
func (Export) Action() Action { return ActionExport }
func (Close) Action() Action  { return ActionClose }

func (Open) isRequest()   {}
func (Exec) isRequest()   {}
func (Each) isRequest()   {}
func (Export) isRequest() {}
func (Close) isRequest()  {}

// Message is the wire form of a request.
type Message struct {
	ID     ID              `json:"id,omitempty"`
	Action string          `json:"action"`
	SQL    string          `json:"sql,omitempty"`
	Params json.RawMessage `json:"params,omitempty"` // array (positional) or object (named)
	Buffer []byte          `json:"buffer,omitempty"`
	Config *Config         `json:"config,omitempty"`
}

// Config carries per-request decoding options.
type Config struct {
	UseBigInt bool `json:"useBigInt,omitempty"`
}

// Response is sent back for a request. A request produces exactly one
// response, except Each which produces one per row plus a final one.
type Response struct {
	ID       ID
	Ready    bool
	Results  []engine.ResultSet // non-nil for exec, even when empty
	Row      engine.Row
	Finished *bool
	Buffer   []byte // non-nil for export
	Error    string
	Kind     string // error kind, set alongside Error
}

// wireResponse is the JSON layout of Response.
type wireResponse struct {
	ID       ID                  `json:"id,omitempty"`
	Ready    bool                `json:"ready,omitempty"`
	Results  *[]engine.ResultSet `json:"results,omitempty"`
	Row      engine.Row          `json:"row,omitempty"`
	Finished *bool               `json:"finished,omitempty"`
	Buffer   *[]byte             `json:"buffer,omitempty"`
	Error    string              `json:"error,omitempty"`
	Kind     string              `json:"errorKind,omitempty"`
}
