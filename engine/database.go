package engine

import (
	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/ext/serdes"
)

// Database is one open connection on the engine. It is not safe for
// concurrent use; the worker owns it from a single goroutine.
type Database struct {
	conn   *sqlite3.Conn
	module *Module
}

// Exec runs every statement of a SQL script. Params are bound to each
// statement that declares parameters. A ResultSet is returned for each
// statement that produced at least one row.
func (d *Database) Exec(sql string, params Params, opts Options) ([]ResultSet, error) {
	if d.conn == nil {
		return nil, ErrDatabaseClosed
	}
	if sql == "" {
		return nil, NewError(KindInvalidArgument, "exec: Missing query string")
	}

	results := []ResultSet{}
	for remaining := sql; remaining != ""; {
		stmt, tail, err := d.conn.Prepare(remaining)
		if err != nil {
			return nil, WrapEngine(err)
		}
		if stmt == nil {
			break
		}
		remaining = tail

		rs, err := runStatement(stmt, params, opts)
		if err != nil {
			return nil, err
		}
		if rs != nil {
			results = append(results, *rs)
		}
	}
	return results, nil
}

func runStatement(stmt *sqlite3.Stmt, params Params, opts Options) (*ResultSet, error) {
	defer stmt.Close()

	if err := bindParams(stmt, params); err != nil {
		return nil, err
	}

	var rs *ResultSet
	for stmt.Step() {
		if rs == nil {
			rs = &ResultSet{Columns: columnNames(stmt), Values: [][]any{}}
		}
		rs.Values = append(rs.Values, rowValues(stmt, opts))
	}
	if err := stmt.Err(); err != nil {
		return nil, WrapEngine(err)
	}
	return rs, nil
}

// Each runs the first statement of sql and calls fn for every row, in
// order. Iteration stops at the first error returned by fn.
func (d *Database) Each(sql string, params Params, opts Options, fn func(Row) error) error {
	if d.conn == nil {
		return ErrDatabaseClosed
	}
	if sql == "" {
		return NewError(KindInvalidArgument, "each: Missing query string")
	}

	stmt, _, err := d.conn.Prepare(sql)
	if err != nil {
		return WrapEngine(err)
	}
	if stmt == nil {
		return NewError(KindInvalidArgument, "Nothing to prepare")
	}
	defer stmt.Close()

	if err := bindParams(stmt, params); err != nil {
		return err
	}

	names := columnNames(stmt)
	for stmt.Step() {
		row := make(Row, len(names))
		for i, name := range names {
			row[name] = columnValue(stmt, i, opts)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return WrapEngine(stmt.Err())
}

// Export serializes the database into a SQLite file image. The database
// stays open and usable.
func (d *Database) Export() ([]byte, error) {
	if d.conn == nil {
		return nil, ErrDatabaseClosed
	}
	data, err := serdes.Serialize(d.conn, "main")
	if err != nil {
		return nil, WrapEngine(err)
	}
	return data, nil
}

// Changes returns the rows modified by the most recent statement.
func (d *Database) Changes() int64 {
	if d.conn == nil {
		return 0
	}
	return d.conn.Changes()
}

// Close releases the connection. Closing twice is a no-op.
func (d *Database) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if d.module != nil {
		d.module.open.Add(-1)
	}
	return WrapEngine(err)
}

// Closed reports whether Close has been called.
func (d *Database) Closed() bool {
	return d.conn == nil
}
