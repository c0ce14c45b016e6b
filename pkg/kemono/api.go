package kemono

import (
	"context"
	"fmt"
	"time"

	errs "k2dl/pkg/errors"
	"k2dl/pkg/logger"
)

// ProfileCache is the part of the feed cache the API consults before
// going to the network.
type ProfileCache interface {
	CachedProfile(service, creatorID string) (*Profile, bool)
	UpdateProfile(service, creatorID string, p *Profile) error
	CachedTags(service, creatorID string) (map[string]int, bool)
	UpdateTags(service, creatorID string, tags map[string]int) error
}

// API wraps the remote endpoints with typed results
type API struct {
	client *Client
	cache  ProfileCache
	logger logger.Logger
}

// NewAPI creates an API over client. cache may be nil.
func NewAPI(client *Client, cache ProfileCache, log logger.Logger) *API {
	return &API{
		client: client,
		cache:  cache,
		logger: logger.OrGlobal(log).WithField("component", "api"),
	}
}

// Client returns the underlying HTTP client
func (a *API) Client() *Client { return a.client }

// Profile resolves a creator profile. Unless fresh is set a cached profile
// is returned without a request. With fresh set the server is always asked,
// so PostCount is current, and the cache is used only when the request fails.
func (a *API) Profile(ctx context.Context, d Domain, service, creatorID string, fresh bool) (*Profile, error) {
	if a.cache != nil && !fresh {
		if p, ok := a.cache.CachedProfile(service, creatorID); ok {
			return p, nil
		}
	}

	var raw profileResponse
	err := a.client.GetJSON(ctx, d.ProfileURL(service, creatorID), RequestOptions{
		Header:     a.client.APIHeader(d),
		MaxRetries: 2,
		Timeout:    10 * time.Second,
	}, &raw)
	if err != nil {
		if a.cache != nil {
			if p, ok := a.cache.CachedProfile(service, creatorID); ok {
				a.logger.WarnWithFields("profile refresh failed, using cached profile", map[string]interface{}{
					"service":    service,
					"creator_id": creatorID,
					"error":      err.Error(),
				})
				return p, nil
			}
		}
		return nil, fmt.Errorf("fetch profile %s/%s: %w", service, creatorID, err)
	}

	p := &Profile{
		ID:        stringOr(raw.ID, creatorID),
		Name:      raw.Name,
		Service:   raw.Service,
		PostCount: raw.PostCount,
		Updated:   stringOr(raw.Updated, ""),
		URL:       d.CreatorURL(service, creatorID),
	}
	if p.Name == "" {
		p.Name = creatorID
	}
	if p.Service == "" {
		p.Service = service
	}

	if a.cache != nil {
		if err := a.cache.UpdateProfile(service, creatorID, p); err != nil {
			a.logger.WithError(err).Warn("failed to cache profile")
		}
	}
	return p, nil
}

// Tags returns the creator's tag index, counting only tags with posts.
// A non-empty cached index is returned without a request.
func (a *API) Tags(ctx context.Context, d Domain, service, creatorID string) (map[string]int, error) {
	if a.cache != nil {
		if tags, ok := a.cache.CachedTags(service, creatorID); ok && len(tags) > 0 {
			return tags, nil
		}
	}

	var entries []TagCount
	err := a.client.GetJSON(ctx, d.TagsURL(service, creatorID), RequestOptions{
		Header: a.client.APIHeader(d),
	}, &entries)
	if err != nil {
		return nil, fmt.Errorf("fetch tags %s/%s: %w", service, creatorID, err)
	}

	tags := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.Tag != "" && e.PostCount > 0 {
			tags[e.Tag] = e.PostCount
		}
	}

	if a.cache != nil {
		if err := a.cache.UpdateTags(service, creatorID, tags); err != nil {
			a.logger.WithError(err).Warn("failed to cache tags")
		}
	}
	return tags, nil
}

// Post fetches the full detail of one post
func (a *API) Post(ctx context.Context, d Domain, service, creatorID, postID string) (RawPost, error) {
	var post RawPost
	err := a.client.GetJSON(ctx, d.PostURL(service, creatorID, postID), RequestOptions{
		Header:     a.client.APIHeader(d),
		MaxRetries: 2,
		Timeout:    15 * time.Second,
	}, &post)
	if err != nil {
		return nil, fmt.Errorf("fetch post %s: %w", postID, err)
	}
	if post == nil {
		return nil, errs.New(errs.ErrorTypeParsing, "empty post detail", nil)
	}
	return post, nil
}

// PostsPage fetches one listing page starting at offset
func (a *API) PostsPage(ctx context.Context, d Domain, service, creatorID string, offset int) ([]RawPost, error) {
	var posts []RawPost
	err := a.client.GetJSON(ctx, d.PostsURL(service, creatorID, offset), RequestOptions{
		Header: a.client.APIHeader(d),
	}, &posts)
	if err != nil {
		return nil, fmt.Errorf("fetch posts at offset %d: %w", offset, err)
	}
	return posts, nil
}

func stringOr(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		return fmt.Sprintf("%.0f", t)
	}
	return fallback
}
