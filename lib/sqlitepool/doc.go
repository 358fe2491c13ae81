// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the pragmas every
// mediavault store uses.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, use it, and [Pool.Put] it back, or hand a function to
// [Pool.Immediate] to run it inside an IMMEDIATE transaction.
// Connections are not safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous: NORMAL unless [Config.Durable] is set, which selects
//     FULL so a committed transaction survives power loss. The media
//     catalog is durable; caches are not.
//   - busy_timeout=5000: wait for the write lock instead of failing.
//   - cache_size=-8192: 8 MiB page cache per connection.
//   - temp_store=MEMORY.
//
// Schema setup belongs in [Config.OnConnect], which runs once per
// connection after the pragmas.
package sqlitepool
