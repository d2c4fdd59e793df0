/*
Package config loads and validates imagecore configuration.

Sources are applied in order of increasing precedence:

	defaults (NewDefault) → YAML file (LoadFromFile) → IMAGECORE_* environment (LoadFromEnv)

A minimal file:

	global:
	  log_level: DEBUG
	memory:
	  sample_interval: 2s
	  warning_threshold_mb: 300
	  critical_threshold_mb: 150
	  urgent_threshold_mb: 50
	cache:
	  max_memory_cache_size_mb: 256
	  max_disk_cache_size_mb: 1024
	  secondary:
	    backend: bolt
	    bolt_path: /var/cache/imagecore/images.db
	preload:
	  max_window: 5
	  max_concurrent: 3

S3 credentials are never read from or written to files; use
IMAGECORE_S3_ACCESS_KEY_ID and IMAGECORE_S3_SECRET_ACCESS_KEY or the default
AWS credential chain.
*/
package config
