package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomyedwab/sqlworker/engine"
)

// DecodeError is returned by Decode when a payload is not a valid request.
// ID holds the request id when it could be recovered, so the failure can
// still be correlated.
type DecodeError struct {
	ID  ID
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one JSON request.
func Decode(payload []byte) (Request, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &DecodeError{
			ID:  peekID(payload),
			Err: engine.Errorf(engine.KindInvalidArgument, "failed to unmarshal request: %v", err),
		}
	}
	req, err := FromMessage(msg)
	if err != nil {
		return nil, &DecodeError{ID: msg.ID, Err: err}
	}
	return req, nil
}

func peekID(payload []byte) ID {
	var probe struct {
		ID ID `json:"id"`
	}
	if json.Unmarshal(payload, &probe) != nil {
		return nil
	}
	return probe.ID
}

// FromMessage converts a wire message into its typed request.
func FromMessage(msg Message) (Request, error) {
	var opts engine.Options
	if msg.Config != nil {
		opts.UseBigInt = msg.Config.UseBigInt
	}

	switch Action(msg.Action) {
	case ActionOpen:
		return Open{ID: msg.ID, Buffer: msg.Buffer}, nil
	case ActionExec, ActionEach:
		params, err := decodeParams(msg.Params)
		if err != nil {
			return nil, err
		}
		if Action(msg.Action) == ActionExec {
			return Exec{ID: msg.ID, SQL: msg.SQL, Params: params, Options: opts}, nil
		}
		return Each{ID: msg.ID, SQL: msg.SQL, Params: params, Options: opts}, nil
	case ActionExport:
		return Export{ID: msg.ID}, nil
	case ActionClose:
		return Close{ID: msg.ID}, nil
	default:
		return nil, engine.Errorf(engine.KindInvalidArgument, "Invalid action : %s", msg.Action)
	}
}

// decodeParams accepts a JSON array (positional) or object (named). Numbers
// are kept as json.Number so integers bind without a float round trip.
func decodeParams(raw json.RawMessage) (engine.Params, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return engine.Params{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	switch raw[0] {
	case '[':
		var positional []any
		if err := dec.Decode(&positional); err != nil {
			return engine.Params{}, engine.Errorf(engine.KindInvalidArgument, "invalid params: %v", err)
		}
		return engine.Params{Positional: positional}, nil
	case '{':
		var named map[string]any
		if err := dec.Decode(&named); err != nil {
			return engine.Params{}, engine.Errorf(engine.KindInvalidArgument, "invalid params: %v", err)
		}
		return engine.Params{Named: named}, nil
	default:
		return engine.Params{}, engine.NewError(engine.KindInvalidArgument, "params must be an array or an object")
	}
}

// ToMessage converts a typed request into its wire message.
func ToMessage(req Request) (Message, error) {
	msg := Message{ID: req.RequestID(), Action: string(req.Action())}

	var (
		params engine.Params
		opts   engine.Options
	)
	switch r := req.(type) {
	case Open:
		msg.Buffer = r.Buffer
	case Exec:
		msg.SQL, params, opts = r.SQL, r.Params, r.Options
	case Each:
		msg.SQL, params, opts = r.SQL, r.Params, r.Options
	case Export, Close:
	default:
		return Message{}, fmt.Errorf("unsupported request type %T", req)
	}

	if opts.UseBigInt {
		msg.Config = &Config{UseBigInt: true}
	}
	switch {
	case params.Positional != nil:
		raw, err := json.Marshal(params.Positional)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	case params.Named != nil:
		raw, err := json.Marshal(params.Named)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// EncodeRequest returns the JSON wire form of req.
func EncodeRequest(req Request) ([]byte, error) {
	msg, err := ToMessage(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{
		ID:       r.ID,
		Ready:    r.Ready,
		Row:      r.Row,
		Finished: r.Finished,
		Error:    r.Error,
		Kind:     r.Kind,
	}
	if r.Results != nil {
		w.Results = &r.Results
	}
	if r.Buffer != nil {
		w.Buffer = &r.Buffer
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers inside results and
// rows decode as json.Number.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*r = Response{
		ID:       w.ID,
		Ready:    w.Ready,
		Row:      w.Row,
		Finished: w.Finished,
		Error:    w.Error,
		Kind:     w.Kind,
	}
	if w.Results != nil {
		r.Results = *w.Results
	}
	if w.Buffer != nil {
		r.Buffer = *w.Buffer
	}
	return nil
}

// Terminal reports whether r is the last response for its request.
func (r Response) Terminal() bool {
	return r.Finished == nil || *r.Finished
}

// Err rebuilds the categorized error carried by r, or nil.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return engine.NewError(engine.ParseKind(r.Kind), r.Error)
}

// Constructors for each response shape.

func Ready(id ID) Response { return Response{ID: id, Ready: true} }

func Results(id ID, results []engine.ResultSet) Response {
	if results == nil {
		results = []engine.ResultSet{}
	}
	return Response{ID: id, Results: results}
}

func RowResponse(id ID, row engine.Row) Response {
	finished := false
	return Response{ID: id, Row: row, Finished: &finished}
}

func Finished(id ID) Response {
	finished := true
	return Response{ID: id, Finished: &finished}
}

func Exported(id ID, buf []byte) Response {
	if buf == nil {
		buf = []byte{}
	}
	return Response{ID: id, Buffer: buf}
}

func Closed(id ID) Response { return Response{ID: id} }

func ErrorResponse(id ID, err error) Response {
	resp := Response{ID: id, Error: err.Error()}
	var e *engine.Error
	if errors.As(err, &e) {
		resp.Kind = e.Kind.String()
	} else {
		resp.Kind = engine.KindUnknown.String()
	}
	return resp
}
