package unit

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"owner/repo", "owner-repo"},
		{"notebooks/01 intro.ipynb", "notebooks-01-intro.ipynb"},
		{"a//b", "a-b"},
		{"already_safe-name.v1", "already_safe-name.v1"},
		{"héllo", "h-llo"},
		{"owner/c++ notes", "owner-c++-notes"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slug(tt.in))
		})
	}

	t.Run("Truncated", func(t *testing.T) {
		assert.Len(t, Slug(strings.Repeat("a", 500)), 200)
	})
}

func TestSourceSlug(t *testing.T) {
	assert.Equal(t, "owner-repo", SourceSlug("https://github.com/owner/repo"))
	assert.Equal(t, "owner-repo", SourceSlug("owner/repo"))
}

func TestUnit(t *testing.T) {
	u := Unit{
		Identity:  "owner/repo",
		Path:      "nb/demo.ipynb",
		Dir:       "/work/owner-repo",
		Manifests: []Manifest{{Name: "requirements.txt", Content: "numpy"}},
	}

	assert.Equal(t, "owner/repo:nb/demo.ipynb", u.Key())
	assert.Equal(t, filepath.Join("/work/owner-repo", "nb", "demo.ipynb"), u.BodyPath())

	content, ok := u.Manifest("requirements.txt")
	assert.True(t, ok)
	assert.Equal(t, "numpy", content)

	_, ok = u.Manifest("runtime.txt")
	assert.False(t, ok)

	u.Body = "/elsewhere/run.sh"
	assert.Equal(t, "/elsewhere/run.sh", u.BodyPath())
}
