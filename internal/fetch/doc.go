/*
Package fetch provides the source fetchers used by the progressive loader.

	Coalescer ──► Mux ──┬── http, https ──► HTTPFetcher (retry + per-host breaker)
	                    ├── s3          ──► s3.Fetcher
	                    └── file, paths ──► FileFetcher

HTTPFetcher maps responses onto core error codes: 404 and 410 become
NOT_FOUND, 5xx, 408 and 429 become retryable FETCH_FAILED errors, other
statuses become non-retryable FETCH_FAILED errors. Timeouts surface as
OPERATION_TIMEOUT so the loader can treat them as stage failures, while
caller cancellation surfaces as OPERATION_CANCELED.

Coalescer sits in front of everything so that a preload and a visible load of
the same page share a single download.
*/
package fetch
