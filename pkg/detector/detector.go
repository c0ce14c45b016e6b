package detector

import (
	"path"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"k2dl/pkg/kemono"
)

// PostSummary is the reduced view of one post
type PostSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Published string   `json:"published"`
	Tags      []string `json:"tags"`
}

// FileRef is one downloadable file of a post
type FileRef struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Source Source `json:"source"`
	// path is the raw reference the file was found under
	path string
}

// Path returns the raw reference the file was found under
func (f FileRef) Path() string { return f.path }

// Ext returns the file's extension, lowercased
func (f FileRef) Ext() string { return SplitExt(f.Name) }

var imgSelector = cascadia.MustCompile("img[src]")

// Detect extracts the post summary and its candidate files. Sources are
// visited in the order file, attachments, content; a raw path is only
// taken once. With a non-empty allow-set, files whose extension is not
// allowed are dropped. Relative paths are resolved against the domain's
// base URL.
func Detect(post kemono.RawPost, d kemono.Domain, allowed Extensions, sources Sources) (PostSummary, []FileRef) {
	body := post.Body()

	summary := PostSummary{
		ID:        body.ID(),
		Title:     body.Title(),
		Published: body.Published(),
		Tags:      body.Tags(),
	}

	c := collector{
		base:    strings.TrimRight(d.BaseURL, "/"),
		allowed: allowed,
		seen:    make(map[string]bool),
	}

	if sources[SourceFile] {
		if f, ok := body["file"].(map[string]any); ok {
			c.add(str(f["path"]), str(f["name"]), SourceFile)
		}
	}

	if sources[SourceAttachments] {
		if list, ok := body["attachments"].([]any); ok {
			for _, item := range list {
				if a, ok := item.(map[string]any); ok {
					c.add(str(a["path"]), str(a["name"]), SourceAttachments)
				}
			}
		}
	}

	if sources[SourceContent] {
		for _, src := range inlineImages(str(body["content"])) {
			c.add(src, "", SourceContent)
		}
	}

	return summary, c.files
}

type collector struct {
	base    string
	allowed Extensions
	seen    map[string]bool
	files   []FileRef
}

func (c *collector) add(rawPath, name string, src Source) {
	if rawPath == "" || c.seen[rawPath] {
		return
	}
	c.seen[rawPath] = true

	clean := stripQuery(rawPath)
	if name == "" {
		name = path.Base(clean)
	}
	ext := SplitExt(name)
	if ext == "" {
		if ext = SplitExt(clean); ext != "" {
			name += ext
		}
	}

	if !c.allowed.Empty() && !c.allowed.Match(ext) {
		return
	}

	url := rawPath
	if !strings.HasPrefix(rawPath, "http://") && !strings.HasPrefix(rawPath, "https://") {
		switch {
		case strings.HasPrefix(rawPath, "//"):
			url = "https:" + rawPath
		case strings.HasPrefix(rawPath, "/"):
			url = c.base + rawPath
		default:
			url = c.base + "/" + rawPath
		}
	}

	c.files = append(c.files, FileRef{URL: url, Name: name, Source: src, path: rawPath})
}

// inlineImages returns the src of every img tag in an HTML fragment,
// skipping embedded data URIs. Unparseable content yields nothing.
func inlineImages(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil
	}

	var srcs []string
	for _, n := range cascadia.QueryAll(doc, imgSelector) {
		for _, attr := range n.Attr {
			if attr.Key != "src" {
				continue
			}
			if attr.Val != "" && !strings.HasPrefix(attr.Val, "data:image") {
				srcs = append(srcs, attr.Val)
			}
			break
		}
	}
	return srcs
}

func stripQuery(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
