package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// jobLogger returns a logger that writes to base and, when a log dir is
// configured, to a per-job JSON log file. The returned writer receives the
// editor's output. release closes the file.
func (o *Orchestrator) jobLogger(jobID int64) (*slog.Logger, io.Writer, func()) {
	log := o.log.With("job_id", jobID)
	if o.cfg.LogDir == "" {
		return log, io.Discard, func() {}
	}

	if err := os.MkdirAll(o.cfg.LogDir, 0755); err != nil {
		log.Warn("cannot create job log dir", "dir", o.cfg.LogDir, "error", err)
		return log, io.Discard, func() {}
	}
	name := fmt.Sprintf("job-%d-%s.log", jobID, time.Now().UTC().Format("20060102T150405"))
	f, err := os.OpenFile(filepath.Join(o.cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warn("cannot open job log", "error", err)
		return log, io.Discard, func() {}
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	tee := slog.New(teeHandler{o.log.Handler(), fileHandler}).With("job_id", jobID)
	return tee, f, func() { f.Close() }
}

// teeHandler fans records out to several handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
