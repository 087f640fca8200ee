package engine

import (
	"sync/atomic"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/ext/serdes"
)

// Module is the capability handle returned by a resolved Future. It opens
// databases on the instantiated engine.
type Module struct {
	version string
	open    atomic.Int64
}

func newModule(version string) *Module {
	return &Module{version: version}
}

// Version returns the SQLite library version reported by the engine.
func (m *Module) Version() string {
	return m.version
}

// OpenHandles returns the number of databases opened through this module
// and not yet closed.
func (m *Module) OpenHandles() int64 {
	return m.open.Load()
}

// Open creates an in-memory database. If data is non-empty it is loaded as
// a serialized SQLite database image; otherwise the database starts empty.
func (m *Module) Open(data []byte) (*Database, error) {
	conn, err := sqlite3.Open(":memory:")
	if err != nil {
		return nil, WrapEngine(err)
	}

	if len(data) > 0 {
		if err := serdes.Deserialize(conn, "main", data); err != nil {
			conn.Close()
			return nil, WrapEngine(err)
		}
		// Deserialize does not look at the image; reading the schema does.
		if err := conn.Exec("PRAGMA schema_version"); err != nil {
			conn.Close()
			return nil, WrapEngine(err)
		}
	}

	m.open.Add(1)
	return &Database{conn: conn, module: m}, nil
}
