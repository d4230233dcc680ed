package client

import (
	"fmt"
	"os"
	"time"

	"github.com/NodePath81/fbping/internal/probe"
	"github.com/NodePath81/fbping/internal/util"
)

const statTimeLayout = "2006-01-02 15:04:05"

// statsWriter appends one pipe-separated line per channel report to an
// optional output file. A failed write drops the line and forces a
// reopen on the next append.
type statsWriter struct {
	path   string
	logger util.Logger
	file   *os.File
}

func newStatsWriter(path string, logger util.Logger) *statsWriter {
	return &statsWriter{path: path, logger: logger}
}

func (w *statsWriter) Append(now time.Time, r probe.Report) {
	if w.path == "" {
		return
	}
	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Warn("stats file open failed", "path", w.path, "error", err)
			return
		}
		w.file = f
	}
	line := fmt.Sprintf("%s|%s\n", now.Format(statTimeLayout), r.StatLine())
	if _, err := w.file.WriteString(line); err != nil {
		w.logger.Warn("stats file write failed", "path", w.path, "error", err)
		_ = w.file.Close()
		w.file = nil
	}
}

func (w *statsWriter) Close() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}
