package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tomyedwab/sqlworker/worker"
)

const defaultMaxLineBytes = 64 << 20

// Stdio serves newline-delimited JSON requests read from an io.Reader and
// writes one JSON response per line to an io.Writer.
type Stdio struct {
	worker       *worker.Worker
	in           io.Reader
	out          *lineWriter
	logger       *slog.Logger
	maxLineBytes int
}

// StdioConfig holds configuration options for a Stdio transport.
type StdioConfig struct {
	In           io.Reader
	Out          io.Writer
	Logger       *slog.Logger // Optional, defaults to slog.Default()
	MaxLineBytes int          // Optional, defaults to 64MiB
}

// NewStdio creates a Stdio transport for w.
func NewStdio(w *worker.Worker, cfg StdioConfig) *Stdio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &Stdio{
		worker:       w,
		in:           cfg.In,
		out:          newLineWriter(cfg.Out),
		logger:       logger.With("component", "stdio"),
		maxLineBytes: maxLine,
	}
}

// Serve handles requests until the input ends, ctx is cancelled or the
// worker stops. Each request completes before the next line is read.
func (s *Stdio) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineBytes)

	s.logger.Info("Serving requests on stdio.")
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payload := bytes.Clone(line)

		if err := s.worker.HandlePayload(ctx, payload, s.out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stdio: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio: read requests: %w", err)
	}
	s.logger.Info("Stdio input closed.")
	return nil
}
