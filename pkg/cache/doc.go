// Package cache provides the per-creator feed cache.
//
// Each creator (service, creator id) has one record holding the raw posts
// seen so far, the profile, the tag index and the cached post count. Posts
// are merged incrementally: only unseen ids are appended and the list is
// kept newest first.
//
// Records are stored through a Store. The default JSONStore writes one
// file per creator into a platform-specific data directory:
//   - Linux: ~/.local/share/k2/cache/creators/{service}_{creator_id}/cache.json
//   - macOS: ~/Library/Application Support/k2/cache/creators/...
//   - Windows: %APPDATA%/k2/cache/creators/...
//
// SQLiteStore keeps all records in a single database instead. Post merges
// may be deferred and written in one go by FlushPending; profile and tag
// updates are always written at once.
package cache
