// Package feed streams creator feeds and single posts.
//
// A creator feed is reconciled against the local feed cache: when the
// cached post count matches the server's, the cache is replayed without
// any listing request. Otherwise cached posts are replayed first and only
// the missing delta is paged from the server, newest first, and merged
// back into the cache when the stream ends or is abandoned.
//
// Basic usage:
//
//	p := feed.NewPaginator(api, cacheManager, nil, feed.DefaultConfig(), log)
//	seq, err := p.Stream(ctx, "https://kemono.cr/patreon/user/123", exts, sources)
//	if err != nil {
//		return err
//	}
//	for entry := range seq {
//		// entry.Raw or entry.Detected
//	}
package feed
