/*
Package progressive delivers one image in increasing quality.

	Idle ─► LoadingThumbnail ─► ThumbnailReady ─► LoadingMedium ─► MediumReady ─► LoadingOriginal ─► OriginalReady
	  │            │                  │                 │               │                │
	  └────────────┴──────────────────┴─────── Cancel ──┴───────────────┴────────────────┴──► Cancelled

Each stage checks the tiered cache under a stage qualified key (see StageKey)
before fetching. Fetched data is decoded on the cache's worker pool, fitted to
the stage's maximum size and stored back. A failed thumbnail or medium stage
is logged and skipped; a failed final stage completes the load with an error
and moves the loader to Failed.

Cancel may be called at any time and any number of times. After it returns no
callback fires for that loader, and results that arrive late are dropped
without being cached.

	loader := progressive.NewLoader(progressive.Source{
		Key:       "album/42",
		Thumbnail: "https://cdn.example.com/42_t.jpg",
		Original:  "s3://photos/42.jpg",
	}, progressive.LoaderDeps{Fetcher: fetcher, Cache: tiered}, progressive.DefaultConfig())

	err := loader.Start(ctx, onProgress, onComplete)
*/
package progressive
