// Package worker serves protocol requests against a single database handle
// owned by one goroutine.
//
//	loader := engine.NewLoader(engine.LoaderOptions{})
//	w, _ := worker.New(worker.Config{Loader: loader})
//	go w.Run(ctx)
//
//	var out worker.Collector
//	err := w.Do(ctx, protocol.Exec{ID: protocol.StringID("1"), SQL: "SELECT 1"}, &out)
//
// Requests from any number of goroutines are queued and served strictly in
// order. Every failure is answered on the request's sink as an error
// response; the loop itself keeps running.
package worker
