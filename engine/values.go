package engine

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// MaxSafeInteger is the largest integer a float64 represents exactly.
const MaxSafeInteger = 1<<53 - 1

// Options tune how result values are decoded.
type Options struct {
	// UseBigInt returns every INTEGER column as *big.Int. Otherwise integers
	// within ±MaxSafeInteger are int64 and wider ones degrade to float64.
	UseBigInt bool
}

// Params are the values bound to a statement. At most one of Positional
// and Named is used; Positional binds 1-based, Named binds by full
// parameter name including its prefix (":a", "@a", "$a").
type Params struct {
	Positional []any
	Named      map[string]any
}

// IsZero reports whether no parameters were supplied.
func (p Params) IsZero() bool {
	return p.Positional == nil && p.Named == nil
}

// ResultSet holds the rows produced by one statement.
type ResultSet struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

// Row maps column names to values for a single row.
type Row map[string]any

func bindParams(stmt *sqlite3.Stmt, params Params) error {
	if params.IsZero() || stmt.BindCount() == 0 {
		return nil
	}

	for i, v := range params.Positional {
		if err := bindValue(stmt, i+1, v); err != nil {
			return err
		}
	}
	for name, v := range params.Named {
		idx := stmt.BindIndex(name)
		if idx == 0 {
			continue
		}
		if err := bindValue(stmt, idx, v); err != nil {
			return err
		}
	}
	return nil
}

func bindValue(stmt *sqlite3.Stmt, idx int, value any) error {
	var err error
	switch v := value.(type) {
	case nil:
		err = stmt.BindNull(idx)
	case string:
		err = stmt.BindText(idx, v)
	case []byte:
		if v == nil {
			err = stmt.BindNull(idx)
		} else {
			err = stmt.BindBlob(idx, v)
		}
	case bool:
		err = stmt.BindBool(idx, v)
	case int:
		err = stmt.BindInt64(idx, int64(v))
	case int8:
		err = stmt.BindInt64(idx, int64(v))
	case int16:
		err = stmt.BindInt64(idx, int64(v))
	case int32:
		err = stmt.BindInt64(idx, int64(v))
	case int64:
		err = stmt.BindInt64(idx, v)
	case uint8:
		err = stmt.BindInt64(idx, int64(v))
	case uint16:
		err = stmt.BindInt64(idx, int64(v))
	case uint32:
		err = stmt.BindInt64(idx, int64(v))
	case uint:
		err = bindUint(stmt, idx, uint64(v))
	case uint64:
		err = bindUint(stmt, idx, v)
	case float32:
		err = bindFloat(stmt, idx, float64(v))
	case float64:
		err = bindFloat(stmt, idx, v)
	case json.Number:
		if i, perr := v.Int64(); perr == nil {
			err = stmt.BindInt64(idx, i)
		} else if f, perr := v.Float64(); perr == nil {
			err = stmt.BindFloat(idx, f)
		} else {
			return Errorf(KindInvalidArgument, "cannot bind number %q", v.String())
		}
	case *big.Int:
		if v == nil {
			err = stmt.BindNull(idx)
		} else if v.IsInt64() {
			err = stmt.BindInt64(idx, v.Int64())
		} else {
			err = stmt.BindText(idx, v.String())
		}
	case time.Time:
		err = stmt.BindText(idx, v.Format(time.RFC3339Nano))
	default:
		return Errorf(KindInvalidArgument, "tried to bind a value of an unknown type (%T)", value)
	}
	return WrapEngine(err)
}

func bindUint(stmt *sqlite3.Stmt, idx int, v uint64) error {
	if v > math.MaxInt64 {
		return stmt.BindText(idx, strconv.FormatUint(v, 10))
	}
	return stmt.BindInt64(idx, int64(v))
}

// Integral floats bind as integers so that 1.0 compares equal to 1 in
// INTEGER columns, as the values decoded from JSON are always float64.
func bindFloat(stmt *sqlite3.Stmt, idx int, v float64) error {
	if v == math.Trunc(v) && math.Abs(v) <= MaxSafeInteger {
		return stmt.BindInt64(idx, int64(v))
	}
	return stmt.BindFloat(idx, v)
}

func columnNames(stmt *sqlite3.Stmt) []string {
	n := stmt.ColumnCount()
	names := make([]string, n)
	for i := range n {
		names[i] = stmt.ColumnName(i)
	}
	return names
}

func columnValue(stmt *sqlite3.Stmt, col int, opts Options) any {
	switch stmt.ColumnType(col) {
	case sqlite3.INTEGER:
		v := stmt.ColumnInt64(col)
		if opts.UseBigInt {
			return big.NewInt(v)
		}
		if v > MaxSafeInteger || v < -MaxSafeInteger {
			return float64(v)
		}
		return v
	case sqlite3.FLOAT:
		return stmt.ColumnFloat(col)
	case sqlite3.TEXT:
		return stmt.ColumnText(col)
	case sqlite3.BLOB:
		return stmt.ColumnBlob(col, []byte{})
	default:
		return nil
	}
}

func rowValues(stmt *sqlite3.Stmt, opts Options) []any {
	n := stmt.ColumnCount()
	values := make([]any, n)
	for i := range n {
		values[i] = columnValue(stmt, i, opts)
	}
	return values
}
