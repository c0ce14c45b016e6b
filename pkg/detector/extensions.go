package detector

import (
	"fmt"
	"regexp"
	"strings"
)

// Source is a channel of a post from which files are taken
type Source string

const (
	SourceFile        Source = "file"
	SourceAttachments Source = "attachments"
	SourceContent     Source = "content"
)

// Sources is the set of enabled sources
type Sources map[Source]bool

// AllSources enables every source
func AllSources() Sources {
	return Sources{SourceFile: true, SourceAttachments: true, SourceContent: true}
}

// ParseSources builds a source set from names. An empty list enables all.
func ParseSources(names []string) (Sources, error) {
	if len(names) == 0 {
		return AllSources(), nil
	}
	s := make(Sources, len(names))
	for _, n := range names {
		src := Source(strings.ToLower(strings.TrimSpace(n)))
		switch src {
		case SourceFile, SourceAttachments, SourceContent:
			s[src] = true
		default:
			return nil, fmt.Errorf("unknown file source %q", n)
		}
	}
	return s, nil
}

var numberedPart = regexp.MustCompile(`^\.\d{3}$`)

// Extensions is an allow-set of lowercase extensions with the leading dot.
// ".001" in the set admits every three digit extension, so split archives
// (.001 through .999) are matched as a whole.
type Extensions struct {
	set      map[string]bool
	numbered bool
}

// NewExtensions builds an allow-set. Entries are lowercased and given a
// leading dot when missing.
func NewExtensions(exts []string) Extensions {
	e := Extensions{set: make(map[string]bool, len(exts))}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e.set[ext] = true
		if ext == ".001" {
			e.numbered = true
		}
	}
	return e
}

// Empty reports whether nothing is allowed explicitly
func (e Extensions) Empty() bool { return len(e.set) == 0 }

// Len returns the number of configured extensions
func (e Extensions) Len() int { return len(e.set) }

// Match reports whether ext is allowed. An empty set allows nothing.
func (e Extensions) Match(ext string) bool {
	ext = strings.ToLower(ext)
	if e.set[ext] {
		return true
	}
	return e.numbered && numberedPart.MatchString(ext)
}

// MatchName matches the extension of a file name
func (e Extensions) MatchName(name string) bool {
	return e.Match(SplitExt(name))
}

// SplitExt returns the extension of name including the dot, lowercased.
// Leading dots of the base name do not start an extension, so ".bashrc"
// has none.
func SplitExt(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	trimmed := strings.TrimLeft(name, ".")
	i := strings.LastIndex(trimmed, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(trimmed[i:])
}
