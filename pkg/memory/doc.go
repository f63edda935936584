// Package memory stores atomic facts and topical threads and provides
// vector similarity search over both.
//
// Invariants:
// - A fact becomes visible only once its embedding is committed with it.
// - Thread membership only references live facts; deletes cascade.
// - No two live facts exceed the dedup similarity threshold unless the
//   merge is recorded in the surviving fact's history.
// - Writers are serialized; readers run on WAL snapshots and never block.
//
// Usage:
//
//	store, _ := memory.Open(memory.StoreConfig{DBPath: "/data/recall.db", Provider: provider})
//	defer store.Close()
//	mem, merged, _ := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User lives in Oslo", Importance: 60})
//	_ = mem
//	_ = merged
package memory
