package scan

import (
	"io"
	"log"
	"os"
)

var (
	opsLogger   = newLogger("[scan] ", os.Stderr)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the scan package.
// Pass nil for any writer to disable that stream. The default routes ops
// to stderr and disables diag and trace.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[scan] ", ops)
	diagLogger = newLogger("[scan] ", diag)
	traceLogger = newLogger("[scan] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (skipped images, run failures, data loss).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (per-run progress, cache decisions).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-image and per-flush telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
