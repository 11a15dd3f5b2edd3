// Package resample downscales chunked zarr arrays that do not fit in memory.
//
// A run resolves a Spec against the source dimensions into a target Grid,
// partitions each variable's grid into Windows sized to a memory budget,
// resamples windows on a bounded pool of goroutines and writes finished
// windows to the destination in batches. Batches are written by a single
// writer and recorded in a ledger only after they are durable, so a run that
// is killed can be resumed without rewriting finished regions.
package resample
