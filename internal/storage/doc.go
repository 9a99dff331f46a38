// Package storage caches marshalled delivery results so a representation that
// asks for the same cache key twice skips the collective data movement.
//
// # Overview
//
// The move-data engine marshals its output before it leaves the process. When
// the caller supplies a cache key (usually derived from the view time), the
// final buffer is kept in a Store and later requests for that key are answered
// locally:
//
//	DeliverCached(key)
//	      │
//	      ▼
//	┌─────────────┐  hit   ┌──────────────┐
//	│ Store.Get   │ ─────▶ │ Unmarshal    │
//	└─────────────┘        └──────────────┘
//	      │ miss
//	      ▼
//	┌─────────────┐        ┌──────────────┐
//	│ Deliver     │ ─────▶ │ Store.Put    │
//	└─────────────┘        └──────────────┘
//
// A cache hit must produce the dataset a full recompute would. The engine
// therefore purges the store whenever its upstream marks itself modified.
//
// Every rank of a group keeps its own store and sees the same sequence of keys,
// so either all ranks hit or all ranks miss and the collectives stay aligned.
//
// # Ownership
//
// MemoryStore copies buffers on Put and on Get. A caller may reset or reuse the
// buffer it stored, and mutating a returned buffer never changes the cache.
//
// # Concurrency
//
// MemoryStore is safe for concurrent use. Get takes the write lock because it
// updates the hit counters.
package storage
