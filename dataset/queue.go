package dataset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/nbharvest/unit"
)

// ErrQueueNotFound is returned when the queue file does not exist
var ErrQueueNotFound = errors.New("queue file not found")

// QueueEntry is one unit as written in the queue file
type QueueEntry struct {
	Identity  string            `yaml:"identity"`
	Path      string            `yaml:"path"`
	Dir       string            `yaml:"dir"`
	Body      string            `yaml:"body,omitempty"`
	Extras    []string          `yaml:"extras,omitempty"`
	Manifests map[string]string `yaml:"manifests,omitempty"`
}

// Queue is the queue file document
type Queue struct {
	Units []QueueEntry `yaml:"units"`
}

// Unit converts the entry. Manifests are ordered by name.
func (e QueueEntry) Unit() unit.Unit {
	u := unit.Unit{
		Identity: e.Identity,
		Path:     e.Path,
		Dir:      e.Dir,
		Body:     e.Body,
		Extras:   e.Extras,
	}

	names := make([]string, 0, len(e.Manifests))
	for name := range e.Manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u.Manifests = append(u.Manifests, unit.Manifest{Name: name, Content: e.Manifests[name]})
	}

	return u
}

func (e QueueEntry) validate() error {
	if e.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if e.Path == "" {
		return fmt.Errorf("path is required")
	}
	if e.Dir == "" && e.Body == "" {
		return fmt.Errorf("dir or body is required")
	}
	return nil
}

// LoadQueue reads the queue file at path, preserving unit order
func LoadQueue(fs afero.Fs, path string) ([]unit.Unit, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, path)
		}
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}

	return ParseQueue(data)
}

// ParseQueue decodes a queue document
func ParseQueue(data []byte) ([]unit.Unit, error) {
	var q Queue
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse queue file: %w", err)
	}

	units := make([]unit.Unit, 0, len(q.Units))
	seen := make(map[string]int, len(q.Units))
	for i, entry := range q.Units {
		if err := entry.validate(); err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", i, err)
		}
		u := entry.Unit()
		if prev, ok := seen[u.Key()]; ok {
			return nil, fmt.Errorf("queue entry %d: duplicate of entry %d (%s)", i, prev, u.Key())
		}
		seen[u.Key()] = i
		units = append(units, u)
	}

	return units, nil
}

// WriteQueue writes units as a queue file
func WriteQueue(fs afero.Fs, path string, units []unit.Unit) error {
	q := Queue{Units: make([]QueueEntry, 0, len(units))}
	for _, u := range units {
		entry := QueueEntry{
			Identity: u.Identity,
			Path:     u.Path,
			Dir:      u.Dir,
			Body:     u.Body,
			Extras:   u.Extras,
		}
		if len(u.Manifests) > 0 {
			entry.Manifests = make(map[string]string, len(u.Manifests))
			for _, m := range u.Manifests {
				entry.Manifests[m.Name] = m.Content
			}
		}
		q.Units = append(q.Units, entry)
	}

	data, err := yaml.Marshal(&q)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// Pending returns the units that still need to run. Units whose prior record
// is ok are skipped unless rerun is set.
func Pending(units []unit.Unit, prior map[string]Record, rerun bool) []unit.Unit {
	if rerun {
		return units
	}
	pending := make([]unit.Unit, 0, len(units))
	for _, u := range units {
		if rec, ok := prior[u.Key()]; ok && rec.Status == StatusOK {
			continue
		}
		pending = append(pending, u)
	}
	return pending
}
