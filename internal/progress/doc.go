// Package progress carries verification run milestones from the engine's
// workers to pluggable sinks. Emit never blocks; a background goroutine
// batches events by size or age and fans each batch out to every sink.
package progress
