/*
Package cache provides the two-tier image cache used by the progressive loader
and the preloader.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│     Progressive loader / Preloader          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              TieredCache                    │  ← This Package
	│  ┌───────────────────────────────────────┐  │
	│  │        Memory tier (decoded)          │  │
	│  │   • byte budget, width*height*4       │  │
	│  │   • LRU, pinned entries kept longest  │  │
	│  │   • trimmed on memory pressure        │  │
	│  └───────────────────────────────────────┘  │
	│                     │                       │
	│  ┌───────────────────────────────────────┐  │
	│  │     Secondary tier (encoded bytes)    │  │
	│  │   • FileStore, BoltStore or S3        │  │
	│  │   • LRU by access, own byte budget    │  │
	│  │   • written asynchronously            │  │
	│  └───────────────────────────────────────┘  │
	└─────────────────────────────────────────────┘

# Compression

Images are downscaled before they enter memory:

	Level    Scale  Persisted as
	none     1.0    PNG
	light    0.9    JPEG q90
	medium   0.7    JPEG q75
	heavy    0.5    JPEG q60

RecommendLevel picks a level from the pixel area and moves one level up when
memory pressure is critical or worse.

# Memory Pressure

TieredCache subscribes to a PressureSource (normally a *memmon.MemoryMonitor).
At critical pressure the memory tier is trimmed to CriticalRetainFraction of
its budget; at urgent pressure every unpinned entry is dropped and pinned
entries are kept up to UrgentRetainFraction of the budget.

# Usage Example

	store, err := cache.NewFileStore(cache.FileStoreConfig{
		Directory:   "/var/cache/imagecore",
		Compression: true,
	})
	if err != nil {
		return err
	}

	c, err := cache.New(cache.Config{
		MemoryBudget:    256 << 20,
		SecondaryBudget: 1 << 30,
		Store:           store,
		Pressure:        monitor,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	level := c.RecommendedCompressionLevel(img.Bounds().Dx(), img.Bounds().Dy())
	if err := c.Store("page-12", img, level, true); err != nil {
		return err
	}

	res := <-c.Fetch(ctx, "page-12")
	if res.Found {
		show(res.Image)
	}
*/
package cache
