// Package librarian turns buffered conversation exchanges into atomic
// memories. Exchanges accumulate in a durable buffer; a timer-gated pipeline
// periodically extracts candidate facts through an LLM collaborator, dedups
// them against the store, assigns them to threads, and commits everything as
// one atomic batch. A failed batch leaves the buffer untouched so the next
// window retries the same exchanges.
package librarian
