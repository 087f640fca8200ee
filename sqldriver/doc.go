// Package sqldriver implements a database/sql/driver on top of a worker
// client, so that Go code can use the worker's database through *sql.DB.
//
// Usage:
//
//  1. Build a connector from a client and open the pool:
//
//	c := client.New(client.Local{Worker: w})
//	db := sql.OpenDB(sqldriver.NewConnector(c))
//	db.SetMaxOpenConns(1)
//
//  2. Or import the package for its side effect and open by URL. The
//     driver registers itself as "sqlworker" and treats the DSN as the base
//     URL of an HTTP transport:
//
//	db, err := sql.Open("sqlworker", "http://localhost:8080")
//
// Communication Protocol:
//
// Every statement is sent as an exec request. Statements run through Exec
// get a trailing "SELECT changes(), last_insert_rowid()" so that the
// driver.Result can be filled in. Query returns every result set the script
// produced; use Rows.NextResultSet to walk past the first.
//
// Limitations:
//
//   - All connections share the worker's single database. Transactions are
//     plain BEGIN/COMMIT/ROLLBACK statements, so keep the pool at one open
//     connection when using them.
//   - A query that returns no rows reports no columns.
//   - Blob arguments sent over HTTP or NATS arrive as base64 text.
package sqldriver
