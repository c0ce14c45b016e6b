package kemono

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "k2dl/pkg/errors"
)

func TestDomainFor(t *testing.T) {
	assert.Equal(t, Coomer, DomainFor("https://coomer.st/onlyfans/user/abc"))
	assert.Equal(t, Kemono, DomainFor("https://kemono.cr/patreon/user/1"))
	assert.Equal(t, Kemono, DomainFor("https://mirror.example/fanbox/user/1"))
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Target
	}{
		{
			name: "creator",
			url:  "https://kemono.cr/patreon/user/12345",
			want: Target{Service: "patreon", CreatorID: "12345"},
		},
		{
			name: "creator with query",
			url:  "https://kemono.cr/patreon/user/12345?o=50",
			want: Target{Service: "patreon", CreatorID: "12345"},
		},
		{
			name: "post",
			url:  "https://coomer.st/onlyfans/user/someone/post/987654",
			want: Target{Service: "onlyfans", CreatorID: "someone", PostID: "987654"},
		},
		{
			name: "non numeric post id falls back to creator",
			url:  "http://kemono.cr/fanbox/user/77/post/abc",
			want: Target{Service: "fanbox", CreatorID: "77"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.PostID != "", got.IsPost())
		})
	}

	_, err := ParseURL("https://kemono.cr/artists")
	assert.ErrorIs(t, err, errs.ErrUnrecognizedURL)
}

func TestEndpointURLs(t *testing.T) {
	d := Kemono
	assert.Equal(t, "https://kemono.cr/api/v1/patreon/user/1/profile", d.ProfileURL("patreon", "1"))
	assert.Equal(t, "https://kemono.cr/api/v1/patreon/user/1/tags", d.TagsURL("patreon", "1"))
	assert.Equal(t, "https://kemono.cr/api/v1/patreon/user/1/post/9", d.PostURL("patreon", "1", "9"))
	assert.Equal(t, "https://kemono.cr/api/v1/patreon/user/1/posts?o=100", d.PostsURL("patreon", "1", 100))
	assert.Equal(t, "https://kemono.cr/patreon/user/1", d.CreatorURL("patreon", "1"))
	assert.Equal(t, "kemono.cr", d.Host())

	local := NewDomain("test", "http://127.0.0.1:8080/")
	assert.Equal(t, "http://127.0.0.1:8080/api/v1", local.APIBase)
	assert.Equal(t, "127.0.0.1:8080", local.Host())
}

func TestRawPostAccessors(t *testing.T) {
	detail := RawPost{
		"post": map[string]any{
			"id":        "42",
			"title":     "Hello",
			"published": "2024-01-02T03:04:05",
			"tags":      []any{"a", "b"},
		},
	}
	body := detail.Body()
	assert.Equal(t, "42", body.ID())
	assert.Equal(t, "Hello", body.Title())
	assert.Equal(t, []string{"a", "b"}, body.Tags())

	listing := RawPost{"id": float64(1234567), "tags": "{x,\"y z\"}"}
	assert.Equal(t, "1234567", listing.Body().ID())
	assert.Equal(t, []string{"x", "y z"}, listing.Tags())
	assert.Nil(t, RawPost{"tags": nil}.Tags())
}
