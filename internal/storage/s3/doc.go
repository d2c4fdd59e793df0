/*
Package s3 connects imagecore to Amazon S3 and S3-compatible object stores.

It provides two pieces:

	┌──────────────────────────┐     ┌──────────────────────────┐
	│  Store                   │     │  Fetcher                 │
	│  cache.SecondaryStore    │     │  types.Fetcher           │
	│  prefix/<cache key>      │     │  s3://bucket/key         │
	└────────────┬─────────────┘     └────────────┬─────────────┘
	             │                                │
	┌────────────┴────────────────────────────────┴─────────────┐
	│  API (PutObject, GetObject, DeleteObject(s), ListObjectsV2) │
	│  *s3.Client from NewClient, or a fake in tests              │
	└─────────────────────────────────────────────────────────────┘

# Store

Store keeps the encoded bytes of cached images as objects under a configured
key prefix. List walks the prefix with the ListObjectsV2 paginator so the
cache can rebuild its secondary index at startup, and Clear removes objects in
DeleteObjects batches of up to 1000 keys.

When EnableCargoShip is set, Open routes writes through the CargoShip
transporter, which uploads large objects as concurrent multipart chunks
(32 MiB threshold, 16 MiB parts). A failed CargoShip upload is logged and
retried once with a plain PutObject.

# Fetcher

Fetcher downloads source images. A source is either a full "s3://bucket/key"
URL or a bare key resolved against the default bucket:

	f := s3.NewFetcher(client, "photos", 64<<20)
	data, err := f.Fetch(ctx, "albums/2024/img_0001.jpg")

Bodies larger than the configured limit fail with FETCH_FAILED; missing
objects fail with NOT_FOUND.

# Configuration

Both pieces are configured from config.S3Config:

	cache:
	  secondary:
	    backend: s3
	    s3:
	      bucket: imagecore-cache
	      prefix: imagecore/cache/
	      region: us-west-2
	      endpoint: http://localhost:9000   # MinIO or other S3-compatible store
	      force_path_style: true
	      enable_cargoship: true

Credentials come from IMAGECORE_S3_ACCESS_KEY_ID and
IMAGECORE_S3_SECRET_ACCESS_KEY when set, otherwise from the default AWS
credential chain.
*/
package s3
