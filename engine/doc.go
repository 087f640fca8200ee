// Package engine wraps the SQLite engine compiled to WebAssembly.
//
// The engine itself (parser, planner, B-tree, virtual machine) is the
// github.com/ncruces/go-sqlite3 build executed by wazero; this package only
// owns the two pieces of coordination around it:
//
//   - Loader: a single-flight cache that instantiates the engine at most once
//     and hands every caller the same Future.
//   - Database: one open connection, exposing the exec/each/export/close
//     operations the worker protocol needs, with values decoded the way the
//     protocol reports them.
//
// Usage:
//
//	loader := engine.NewLoader(engine.LoaderOptions{})
//	mod, err := loader.Acquire(engine.LoadConfig{}).Wait(ctx)
//	if err != nil {
//		// errors.Is(err, engine.ErrLoadFailure)
//	}
//	db, err := mod.Open(nil)
//	results, err := db.Exec("SELECT 1", engine.Params{}, engine.Options{})
package engine
