// Package kemono talks to the kemono/coomer style archive API.
//
// Client is the single shared HTTP client: it applies the common headers,
// paces requests through a ratelimit.Limiter, retries GETs with backoff and
// a reduced-Accept fallback on 403, probes sizes with HEAD and opens
// streaming transfers. DecodeJSON undoes optional gzip framing.
//
// API layers the typed endpoints (profile, tags, post detail, listing page)
// on top of Client and consults an optional ProfileCache.
package kemono
