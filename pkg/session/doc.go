// Package session wires the HTTP client, feed cache, paginator and
// download coordinator into the two operations the command line exposes:
// detecting the posts and files behind a creator or post URL, and
// downloading a filtered selection of them.
//
// Usage:
//
//	s, err := session.New(cfg, session.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	det, err := s.Detect(ctx, "https://kemono.cr/patreon/user/123", session.DetectOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	summary, err := s.Download(ctx, det, session.DownloadOptions{
//		Extensions: detector.NewExtensions(cfg.Download.Extensions),
//	})
//
// Cancelling ctx during Download pauses the run. Partial files are kept
// and resumed by the next run over the same detection.
package session
