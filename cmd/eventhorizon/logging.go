package main

import (
	"fmt"
	"io"
	"log"

	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

// setupLogging routes the pipeline's ops, diag and trace streams to w up to
// level. The standard logger used by the ingest and monitor packages always
// writes to w.
func setupLogging(level string, w io.Writer) error {
	log.SetOutput(w)
	switch level {
	case "none":
		pipeline.SetLogWriters(nil, nil, nil)
	case "ops":
		pipeline.SetLogWriters(w, nil, nil)
	case "diag":
		pipeline.SetLogWriters(w, w, nil)
	case "trace":
		pipeline.SetLegacyLogger(w)
	default:
		return fmt.Errorf("unknown log level %q (want none, ops, diag or trace)", level)
	}
	return nil
}
