package pipeline

import (
	"io"
	"log"
	"sync/atomic"
)

// logStream is a logger that may be swapped while stages are running.
type logStream struct {
	l atomic.Pointer[log.Logger]
}

func (s *logStream) set(w io.Writer) {
	if w == nil {
		s.l.Store(nil)
		return
	}
	s.l.Store(log.New(w, "[pipeline] ", log.LstdFlags|log.Lmicroseconds))
}

func (s *logStream) printf(format string, args ...any) {
	if l := s.l.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// ops carries connection loss, resynchronization and data loss. diag carries
// stage lifecycle, load shedding and time jumps. trace is per-record.
var ops, diag, trace logStream

// SetLogWriters points the ops, diag and trace streams at the given writers.
// A nil writer silences its stream.
func SetLogWriters(opsW, diagW, traceW io.Writer) {
	ops.set(opsW)
	diag.set(diagW)
	trace.set(traceW)
}

// SetLegacyLogger sends every stream to w, or silences them all if w is nil.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func opsf(format string, args ...any)   { ops.printf(format, args...) }
func diagf(format string, args ...any)  { diag.printf(format, args...) }
func tracef(format string, args ...any) { trace.printf(format, args...) }
