package detector

import (
	"strings"
	"unicode"
)

// PostInfo is a detected post together with its creator, the unit the
// download coordinator works on.
type PostInfo struct {
	Service     string   `json:"service"`
	CreatorID   string   `json:"creator_id"`
	CreatorName string   `json:"creator_name"`
	PostID      string   `json:"post_id"`
	PostTitle   string   `json:"post_title"`
	Published   string   `json:"published"`
	Tags        []string `json:"tags"`
}

// NewPostInfo joins a summary with its creator. The service name is
// capitalised for display and naming.
func NewPostInfo(service, creatorID, creatorName string, s PostSummary) PostInfo {
	if creatorName == "" {
		creatorName = creatorID
	}
	return PostInfo{
		Service:     Capitalize(service),
		CreatorID:   creatorID,
		CreatorName: creatorName,
		PostID:      s.ID,
		PostTitle:   s.Title,
		Published:   s.Published,
		Tags:        s.Tags,
	}
}

// Vars returns the naming template variables of the post
func (p PostInfo) Vars() map[string]string {
	return map[string]string{
		"service":      p.Service,
		"creator_id":   p.CreatorID,
		"creator_name": p.CreatorName,
		"post_id":      p.PostID,
		"post_title":   p.PostTitle,
		"published":    p.Published,
		"tags":         strings.Join(p.Tags, ", "),
	}
}

// PostFiles is one post and the files detected in it
type PostFiles struct {
	Info  PostInfo  `json:"post_info"`
	Files []FileRef `json:"files"`
}

// Capitalize upper-cases the first letter and lower-cases the rest
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
