// Package progress reports the progress of a downscaling run.
//
// Reporter is a resample.EventSink: it counts window and batch events and
// periodically writes a one-line status to its output.
//
//	[downscale] Windows: 412/1600 (25.8%) | 3 failed | 0 skipped | 8 in-flight | Batches: 51 | ETA: 6m 12s
//
// The package also parses and formats the byte sizes used in configuration
// files, such as "512MiB" or "2GB".
package progress
