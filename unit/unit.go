package unit

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Manifest is a named dependency declaration such as requirements.txt
type Manifest struct {
	Name    string
	Content string
}

// Unit is an executable work item. It is not modified once pulled off the queue.
type Unit struct {
	// Identity is the source location, e.g. "owner/repo".
	Identity string
	// Path is the logical path of the body within the source.
	Path string
	// Dir is the checkout root on disk.
	Dir string
	// Body is the absolute path to the executable payload.
	Body string
	// Manifests are the declared dependency manifests.
	Manifests []Manifest
	// Extras are additionally inferred dependency names.
	Extras []string
}

// Key identifies the unit within a dataset
func (u Unit) Key() string {
	return u.Identity + ":" + u.Path
}

// BodyPath returns Body, or Dir joined with Path when Body is empty
func (u Unit) BodyPath() string {
	if u.Body != "" {
		return u.Body
	}
	return filepath.Join(u.Dir, filepath.FromSlash(u.Path))
}

// Manifest returns the content of the named manifest
func (u Unit) Manifest(name string) (string, bool) {
	for _, m := range u.Manifests {
		if m.Name == name {
			return m.Content, true
		}
	}
	return "", false
}

const maxSlugLen = 200

var slugPattern = regexp.MustCompile(`[^A-Za-z0-9_.+-]+`)

// Slug makes s safe for use as a single path element
func Slug(s string) string {
	out := slugPattern.ReplaceAllString(s, "-")
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
	}
	return out
}

// SourceSlug slugs an identity, dropping a github.com URL prefix if present
func SourceSlug(identity string) string {
	if i := strings.Index(identity, "github.com/"); i >= 0 {
		identity = identity[i+len("github.com/"):]
	}
	return Slug(identity)
}
