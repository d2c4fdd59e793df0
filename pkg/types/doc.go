/*
Package types holds the capability interfaces and small value types shared by
the imagecore components.

	┌──────────────────────────────────────────────┐
	│            internal/performance              │
	│   device profile, tuning, pressure fan-out   │
	└──────────────────────────────────────────────┘
	      │               │                │
	┌─────┴──────┐ ┌──────┴───────┐ ┌──────┴──────┐
	│ preload    │→│ progressive  │→│ cache       │
	│ (window)   │ │ (stages)     │ │ (tiers)     │
	└────────────┘ └──────────────┘ └─────────────┘
	      ↑                │                ↑
	┌─────┴────────────────┴────────────────┴─────┐
	│ pkg/memmon (pressure)   Fetcher   Decoder   │
	└─────────────────────────────────────────────┘

Fetcher, Decoder and MemorySource are the seams through which the core talks
to the outside world. internal/fetch, internal/codec and pkg/memmon provide the
production implementations; tests substitute the Func adapters.
*/
package types
