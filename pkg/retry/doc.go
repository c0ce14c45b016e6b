// Package retry provides the backoff strategies and retry loop shared by the
// API client, the feed paginator and the download engine.
//
//	page, err := retry.DoWithResult(func() ([]kemono.RawPost, error) {
//		return api.PostsPage(ctx, domain, service, creatorID, offset)
//	}, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.APIBackoff(),
//		Context:     ctx,
//	})
//
// APIBackoff waits 1s, 2s, 4s... between attempts. TransferBackoff starts at
// 2s and holds at one minute, which is what long-running file transfers use.
// Cancellation of the context stops the loop during the wait.
package retry
