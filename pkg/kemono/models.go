package kemono

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawPost is one post exactly as the API returned it. Listing entries carry
// the post fields at the top level; detail responses nest them under "post".
type RawPost map[string]any

// Body returns the nested "post" object of a detail response, or p itself.
func (p RawPost) Body() RawPost {
	if inner, ok := p["post"].(map[string]any); ok {
		return RawPost(inner)
	}
	return p
}

// ID returns the post id as a string, whatever JSON type it arrived as.
func (p RawPost) ID() string {
	return p.Str("id")
}

// Published returns the ISO-8601 publication timestamp
func (p RawPost) Published() string {
	return p.Str("published")
}

// Title returns the post title
func (p RawPost) Title() string {
	return p.Str("title")
}

// Str reads key as a string. Numbers are formatted without exponent.
func (p RawPost) Str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Tags returns the post's tags in order. Both JSON arrays and the
// "{a,b}" array literal some API versions emit are understood.
func (p RawPost) Tags() []string {
	switch v := p["tags"].(type) {
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case []string:
		return append([]string(nil), v...)
	case string:
		v = strings.Trim(v, "{}")
		if v == "" {
			return nil
		}
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.Trim(strings.TrimSpace(t), `"`); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	default:
		return nil
	}
}

// Profile describes one creator
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Service   string `json:"service"`
	PostCount int    `json:"post_count"`
	Updated   string `json:"updated"`
	URL       string `json:"url"`
}

// TagCount is one entry of the creator tag index endpoint
type TagCount struct {
	Tag       string `json:"tag"`
	PostCount int    `json:"post_count"`
}

// profileResponse tolerates loosely typed fields of the profile endpoint
type profileResponse struct {
	ID        any    `json:"id"`
	Name      string `json:"name"`
	Service   string `json:"service"`
	PostCount int    `json:"post_count"`
	Updated   any    `json:"updated"`
}
