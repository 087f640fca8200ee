// Command sqlworker serves a single SQLite database over stdio, NATS and
// HTTP, and manages saved images of it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
