package kemono

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	errs "k2dl/pkg/errors"
)

// PageSize is the number of posts the listing endpoint returns per page.
const PageSize = 50

// Domain is the base/API/referer triplet of one supported site.
type Domain struct {
	Name    string
	BaseURL string
	APIBase string
	Referer string
}

var (
	Kemono = Domain{
		Name:    "kemono",
		BaseURL: "https://kemono.cr",
		APIBase: "https://kemono.cr/api/v1",
		Referer: "https://kemono.cr/",
	}
	Coomer = Domain{
		Name:    "coomer",
		BaseURL: "https://coomer.st",
		APIBase: "https://coomer.st/api/v1",
		Referer: "https://coomer.st/",
	}
)

// Resolver picks the Domain serving a user supplied URL.
type Resolver func(rawURL string) Domain

// DomainFor selects coomer for URLs mentioning coomer.st and kemono otherwise.
func DomainFor(rawURL string) Domain {
	if strings.Contains(rawURL, "coomer.st") {
		return Coomer
	}
	return Kemono
}

// NewDomain builds a Domain rooted at baseURL, e.g. a mirror or test server.
func NewDomain(name, baseURL string) Domain {
	baseURL = strings.TrimRight(baseURL, "/")
	return Domain{
		Name:    name,
		BaseURL: baseURL,
		APIBase: baseURL + "/api/v1",
		Referer: baseURL + "/",
	}
}

// Host returns the host part of the domain's base URL.
func (d Domain) Host() string {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return strings.TrimPrefix(d.BaseURL, "https://")
	}
	return u.Host
}

// CreatorURL is the public page of a creator.
func (d Domain) CreatorURL(service, creatorID string) string {
	return fmt.Sprintf("%s/%s/user/%s", d.BaseURL, service, creatorID)
}

// ProfileURL returns the creator profile endpoint
func (d Domain) ProfileURL(service, creatorID string) string {
	return fmt.Sprintf("%s/%s/user/%s/profile", d.APIBase, service, creatorID)
}

// TagsURL returns the creator tag index endpoint
func (d Domain) TagsURL(service, creatorID string) string {
	return fmt.Sprintf("%s/%s/user/%s/tags", d.APIBase, service, creatorID)
}

// PostURL returns the single post detail endpoint
func (d Domain) PostURL(service, creatorID, postID string) string {
	return fmt.Sprintf("%s/%s/user/%s/post/%s", d.APIBase, service, creatorID, postID)
}

// PostsURL returns the paginated listing endpoint starting at offset
func (d Domain) PostsURL(service, creatorID string, offset int) string {
	return fmt.Sprintf("%s/%s/user/%s/posts?o=%d", d.APIBase, service, creatorID, offset)
}

var (
	postURLRe    = regexp.MustCompile(`https?://[^/]+/(?P<service>[^/]+)/user/(?P<creator_id>[^/]+)/post/(?P<post_id>\d+)`)
	creatorURLRe = regexp.MustCompile(`https?://[^/]+/(?P<service>[^/]+)/user/(?P<creator_id>[^/?#]+)`)
)

// Target is what a user supplied URL points at.
type Target struct {
	Service   string
	CreatorID string
	// PostID is empty for creator URLs
	PostID string
}

// IsPost reports whether the target names a single post
func (t Target) IsPost() bool { return t.PostID != "" }

// ParseURL recognises post URLs first and creator URLs second.
func ParseURL(rawURL string) (Target, error) {
	if m := postURLRe.FindStringSubmatch(rawURL); m != nil {
		return Target{Service: m[1], CreatorID: m[2], PostID: m[3]}, nil
	}
	if m := creatorURLRe.FindStringSubmatch(rawURL); m != nil {
		return Target{Service: m[1], CreatorID: m[2]}, nil
	}
	return Target{}, fmt.Errorf("%w: %s", errs.ErrUnrecognizedURL, rawURL)
}
