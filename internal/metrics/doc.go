/*
Package metrics exports imagecore counters, gauges and histograms through a
private Prometheus registry.

	┌─────────────┐      ┌──────────────────────────┐
	│  Collector  │ ───▶ │  /metrics  (promhttp)    │
	└──────┬──────┘      │  /health                 │
	       │             │  /debug/operations       │
	       ▼             └──────────────────────────┘
	cache tiers, memory pressure, preload tasks,
	progressive stages, fetch and storage operations

Every recording method is safe on a nil or disabled Collector, so components
take an optional *Collector without guarding each call.
*/
package metrics
