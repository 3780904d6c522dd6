package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// NoManifest is the fingerprint shared by every unit without a well-known manifest
const NoManifest = "no-reqs"

const (
	fingerprintLen   = 16
	segmentSeparator = "\n---\n"
)

// Fingerprint digests the manifests whose names appear in names. Segments are
// taken in the order of names, so the result does not depend on the order of
// manifests.
func Fingerprint(manifests []Manifest, names []string) string {
	byName := make(map[string]string, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m.Content
	}

	var parts []string
	for _, name := range names {
		content, ok := byName[name]
		if !ok {
			continue
		}
		parts = append(parts, name+":"+content)
	}
	if len(parts) == 0 {
		return NoManifest
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, segmentSeparator)))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// LoadManifests reads each named manifest present in dir. Missing or
// unreadable files and directories are skipped.
func LoadManifests(fs afero.Fs, dir string, names []string) []Manifest {
	var manifests []Manifest
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := fs.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			continue
		}
		manifests = append(manifests, Manifest{Name: name, Content: string(data)})
	}
	return manifests
}
