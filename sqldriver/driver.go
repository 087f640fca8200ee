package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/tomyedwab/sqlworker/client"
	"github.com/tomyedwab/sqlworker/engine"
)

const driverName = "sqlworker"

const resultQuery = "\n;SELECT changes(), last_insert_rowid()"

func init() {
	sql.Register(driverName, &Driver{})
}

// --- Driver implementation ---

// Driver opens connections to a worker served over HTTP.
type Driver struct{}

// Open returns a new connection. name is the base URL of the HTTP
// transport.
func (d *Driver) Open(name string) (driver.Conn, error) {
	if name == "" {
		return nil, fmt.Errorf("sqlworker: DSN must be the worker's base URL")
	}
	return &Conn{client: client.New(client.HTTP{BaseURL: name})}, nil
}

// Connector opens connections sharing one client.
type Connector struct {
	client *client.Client
}

// NewConnector returns a connector for sql.OpenDB.
func NewConnector(c *client.Client) *Connector {
	return &Connector{client: c}
}

func (c *Connector) Connect(context.Context) (driver.Conn, error) {
	return &Conn{client: c.client}, nil
}

func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// --- Connection implementation ---

// Conn implements driver.Conn.
type Conn struct {
	client *client.Client
	inTx   bool
}

// Prepare returns a statement. Nothing is sent until it is executed.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

// Close is a no-op; the worker's database outlives driver connections.
func (c *Conn) Close() error {
	return nil
}

// Begin starts a transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.inTx {
		return nil, fmt.Errorf("sqlworker: transaction already active on this connection")
	}
	stmt := "BEGIN"
	if opts.ReadOnly {
		return nil, fmt.Errorf("sqlworker: read-only transactions are not supported")
	}
	if _, err := c.client.Exec(ctx, stmt, engine.Params{}, engine.Options{}); err != nil {
		return nil, fmt.Errorf("sqlworker: begin: %w", err)
	}
	c.inTx = true
	return &Tx{conn: c, ctx: ctx}, nil
}

// Ping checks that the worker answers.
func (c *Conn) Ping(ctx context.Context) error {
	if _, err := c.client.Exec(ctx, "SELECT 1", engine.Params{}, engine.Options{}); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return (&Stmt{conn: c, query: query}).ExecContext(ctx, args)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return (&Stmt{conn: c, query: query}).QueryContext(ctx, args)
}

// --- Statement implementation ---

// Stmt implements driver.Stmt.
type Stmt struct {
	conn  *Conn
	query string
}

func (s *Stmt) Close() error {
	return nil
}

// NumInput returns -1; the engine checks placeholder counts itself.
func (s *Stmt) NumInput() int {
	return -1
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	params, err := convertArgs(args)
	if err != nil {
		return nil, err
	}
	results, err := s.conn.client.Exec(ctx, s.query+resultQuery, params, engine.Options{})
	if err != nil {
		return nil, fmt.Errorf("sqlworker: exec: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("sqlworker: exec: missing result row")
	}
	last := results[len(results)-1]
	if len(last.Values) != 1 || len(last.Values[0]) != 2 {
		return nil, fmt.Errorf("sqlworker: exec: malformed result row")
	}
	return &Result{
		rowsAffected: toInt64(last.Values[0][0]),
		lastInsertID: toInt64(last.Values[0][1]),
	}, nil
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	params, err := convertArgs(args)
	if err != nil {
		return nil, err
	}
	results, err := s.conn.client.Exec(ctx, s.query, params, engine.Options{})
	if err != nil {
		return nil, fmt.Errorf("sqlworker: query: %w", err)
	}
	return &Rows{sets: results}, nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// convertArgs maps driver arguments onto positional or named params. Named
// arguments bind to every prefix form of their name.
func convertArgs(args []driver.NamedValue) (engine.Params, error) {
	if len(args) == 0 {
		return engine.Params{}, nil
	}

	var (
		positional []any
		named      map[string]any
	)
	for _, arg := range args {
		v := arg.Value
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		if arg.Name == "" {
			positional = append(positional, v)
			continue
		}
		if named == nil {
			named = map[string]any{}
		}
		for _, prefix := range []string{":", "@", "$"} {
			named[prefix+arg.Name] = v
		}
	}
	if positional != nil && named != nil {
		return engine.Params{}, fmt.Errorf("sqlworker: cannot mix named and positional arguments")
	}
	return engine.Params{Positional: positional, Named: named}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case *big.Int:
		return n.Int64()
	default:
		return 0
	}
}

// --- Transaction implementation ---

// Tx implements driver.Tx.
type Tx struct {
	conn *Conn
	ctx  context.Context
}

func (t *Tx) Commit() error {
	return t.finish("COMMIT")
}

func (t *Tx) Rollback() error {
	return t.finish("ROLLBACK")
}

func (t *Tx) finish(stmt string) error {
	if !t.conn.inTx {
		return fmt.Errorf("sqlworker: transaction already committed or rolled back")
	}
	t.conn.inTx = false
	if _, err := t.conn.client.Exec(context.WithoutCancel(t.ctx), stmt, engine.Params{}, engine.Options{}); err != nil {
		return fmt.Errorf("sqlworker: %s: %w", stmt, err)
	}
	return nil
}

// --- Result implementation ---

// Result implements driver.Result.
type Result struct {
	lastInsertID int64
	rowsAffected int64
}

func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *Result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// Rows implements driver.Rows over result sets fetched in full.
type Rows struct {
	sets []engine.ResultSet
	set  int
	row  int
}

func (r *Rows) Columns() []string {
	if r.set >= len(r.sets) {
		return []string{}
	}
	return r.sets[r.set].Columns
}

func (r *Rows) Close() error {
	r.sets = nil
	return nil
}

func (r *Rows) Next(dest []driver.Value) error {
	if r.set >= len(r.sets) || r.row >= len(r.sets[r.set].Values) {
		return io.EOF
	}

	values := r.sets[r.set].Values[r.row]
	if len(values) != len(dest) {
		return fmt.Errorf("sqlworker: column count mismatch. Expected %d, got %d", len(dest), len(values))
	}
	for i, v := range values {
		dest[i] = toDriverValue(v)
	}
	r.row++
	return nil
}

func (r *Rows) HasNextResultSet() bool {
	return r.set+1 < len(r.sets)
}

func (r *Rows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	r.set++
	r.row = 0
	return nil
}

func toDriverValue(v any) driver.Value {
	if b, ok := v.(*big.Int); ok {
		if b.IsInt64() {
			return b.Int64()
		}
		return b.String()
	}
	return v
}
