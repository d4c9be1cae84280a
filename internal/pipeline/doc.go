// Package pipeline is the real-time event analysis engine.
//
// Events enter through the transmission stage, which restores time order
// and appends records to a shared log. The coincidence, reconstruction and
// imaging stages each walk the log in ID order and set one flag per record;
// a flag is the publish barrier for the payload its stage wrote. The
// histogramming and identification stages recompute their results on a
// fixed cadence over a trailing time window behind their event horizon, and
// the cleanup stage trims the back of the log once no stage can read it.
//
// The Analyzer owns one pipeline and provides the lifecycle and query
// surface.
package pipeline
