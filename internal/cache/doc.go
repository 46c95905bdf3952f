// Package cache implements the named cache storage consumed by the offline
// agent: a set of versioned stores, each mapping request identity (method,
// URL and the request headers named by the stored response's Vary field) to
// a stored HTTP response. Three backends share the same contract: a
// filesystem layout (StoragePath/<cache>/<sha256>.entry written via temp file
// + rename), a pure-Go SQLite database and an in-memory map. Stores never
// expire entries; only whole-store deletion removes data.
package cache
