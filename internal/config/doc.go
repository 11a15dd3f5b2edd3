// Package config defines configuration for the zarr-downscale CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (DOWNSCALE_ prefix)
//   - A YAML (.yaml, .yml) or TOML (.toml) configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	source: s3://climate/era5.zarr
//	dest: /scratch/era5-1deg.zarr
//	workers: 16
//	batch_size: 32
//	window_memory: 512MiB
//	resample:
//	  - dimension: latitude
//	    range: [-90, 90]
//	    step: 1
//	    invert: true
//	  - dimension: longitude
//	    range: [0, 360]
//	    step: 1
//	retry:
//	  attempts: 5
//	  backoff: 500ms
package config
