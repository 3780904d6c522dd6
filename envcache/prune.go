package envcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Entry describes one cached environment
type Entry struct {
	Key      string
	Root     string
	LastUsed time.Time
	// FromMarker is false when LastUsed fell back to the directory mtime.
	FromMarker bool
}

// PruneReport lists the environments removed and kept by Prune
type PruneReport struct {
	Cutoff  time.Time
	Removed []string
	Kept    []string
}

// List returns every environment directory under the cache root, ordered by key
func (s *Store) List() ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, s.config.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache root: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		root := filepath.Join(s.config.Root, info.Name())
		entry := Entry{Key: info.Name(), Root: root, LastUsed: info.ModTime()}
		if t, ok := s.readMarker(root); ok {
			entry.LastUsed = t
			entry.FromMarker = true
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Stale returns the environments last used before now minus olderThan,
// along with the cutoff used. Nothing is removed.
func (s *Store) Stale(olderThan time.Duration) (time.Time, []Entry, error) {
	cutoff := s.now().Add(-olderThan)

	entries, err := s.List()
	if err != nil {
		return cutoff, nil, err
	}

	var stale []Entry
	for _, e := range entries {
		if e.LastUsed.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	return cutoff, stale, nil
}

// Prune removes environments last used before now minus olderThan
func (s *Store) Prune(olderThan time.Duration) (PruneReport, error) {
	report := PruneReport{Cutoff: s.now().Add(-olderThan)}

	entries, err := s.List()
	if err != nil {
		return report, err
	}

	for _, e := range entries {
		if !e.LastUsed.Before(report.Cutoff) {
			report.Kept = append(report.Kept, e.Key)
			continue
		}
		if err := s.fs.RemoveAll(e.Root); err != nil {
			s.logger.Warn("failed to remove environment", zap.String("env_key", e.Key), zap.Error(err))
			report.Kept = append(report.Kept, e.Key)
			continue
		}
		s.logger.Info("environment evicted",
			zap.String("env_key", e.Key),
			zap.Time("last_used", e.LastUsed),
			zap.Bool("from_marker", e.FromMarker))
		report.Removed = append(report.Removed, e.Key)
	}

	s.metrics.Pruned(len(report.Removed))
	return report, nil
}

func (s *Store) readMarker(root string) (time.Time, bool) {
	data, err := afero.ReadFile(s.fs, filepath.Join(root, MarkerFile))
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
