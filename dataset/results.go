package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// StatusOK is the status of a unit that ran to completion
const StatusOK = "ok"

const libsSeparator = ";"

// Columns is the header of the results file
var Columns = []string{
	"run_id",
	"identity",
	"path",
	"libs_detected",
	"status",
	"error_type",
	"error_message",
	"runtime_seconds",
	"log_path",
	"env_key",
	"cache_hit",
	"finished_at",
}

// Record is one row of the results file
type Record struct {
	RunID        string        `json:"run_id"`
	Identity     string        `json:"identity"`
	Path         string        `json:"path"`
	Libs         []string      `json:"libs_detected,omitempty"`
	Status       string        `json:"status"`
	ErrorType    string        `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Runtime      time.Duration `json:"runtime_ns"`
	LogPath      string        `json:"log_path,omitempty"`
	EnvKey       string        `json:"env_key,omitempty"`
	CacheHit     bool          `json:"cache_hit"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Key matches the record to its unit
func (r Record) Key() string {
	return r.Identity + ":" + r.Path
}

func (r Record) row() []string {
	return []string{
		r.RunID,
		r.Identity,
		r.Path,
		strings.Join(r.Libs, libsSeparator),
		r.Status,
		r.ErrorType,
		r.ErrorMessage,
		strconv.FormatFloat(r.Runtime.Seconds(), 'f', 2, 64),
		r.LogPath,
		r.EnvKey,
		strconv.FormatBool(r.CacheHit),
		r.FinishedAt.UTC().Format(time.RFC3339),
	}
}

func parseRow(header map[string]int, row []string) (Record, error) {
	get := func(col string) string {
		if i, ok := header[col]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	r := Record{
		RunID:        get("run_id"),
		Identity:     get("identity"),
		Path:         get("path"),
		Status:       get("status"),
		ErrorType:    get("error_type"),
		ErrorMessage: get("error_message"),
		LogPath:      get("log_path"),
		EnvKey:       get("env_key"),
	}
	if libs := get("libs_detected"); libs != "" {
		r.Libs = strings.Split(libs, libsSeparator)
	}
	if v := get("runtime_seconds"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return r, fmt.Errorf("invalid runtime_seconds %q: %w", v, err)
		}
		r.Runtime = time.Duration(secs * float64(time.Second))
	}
	if v := get("cache_hit"); v != "" {
		hit, err := strconv.ParseBool(v)
		if err != nil {
			return r, fmt.Errorf("invalid cache_hit %q: %w", v, err)
		}
		r.CacheHit = hit
	}
	if v := get("finished_at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return r, fmt.Errorf("invalid finished_at %q: %w", v, err)
		}
		r.FinishedAt = at
	}
	return r, nil
}

// ReadRecords decodes a results document
func ReadRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headerRow, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read results header: %w", err)
	}
	header := make(map[string]int, len(headerRow))
	for i, col := range headerRow {
		header[col] = i
	}
	if _, ok := header["identity"]; !ok {
		return nil, fmt.Errorf("results header has no identity column")
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read results line %d: %w", line, err)
		}
		rec, err := parseRow(header, row)
		if err != nil {
			return nil, fmt.Errorf("results line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteRecords encodes records with a header row
func WriteRecords(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return fmt.Errorf("failed to write results header: %w", err)
	}
	for _, r := range records {
		if err := writer.Write(r.row()); err != nil {
			return fmt.Errorf("failed to write record %s: %w", r.Key(), err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// Merge replaces prior records that share a key with a newer record and
// appends the rest. Prior order is kept; new keys follow in their own order.
func Merge(prior, newer []Record) []Record {
	index := make(map[string]int, len(prior))
	merged := make([]Record, 0, len(prior)+len(newer))
	for _, r := range prior {
		if i, ok := index[r.Key()]; ok {
			merged[i] = r
			continue
		}
		index[r.Key()] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range newer {
		if i, ok := index[r.Key()]; ok {
			merged[i] = r
			continue
		}
		index[r.Key()] = len(merged)
		merged = append(merged, r)
	}
	return merged
}

// ByKey indexes records by Key; later records win
func ByKey(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}

// Store is the results file on a filesystem. After the first Load or
// Append it keeps the merged records in memory, so each Append writes the
// file once without reading it back.
type Store struct {
	fs   afero.Fs
	path string

	loaded  bool
	records []Record
	index   map[string]int
}

// NewStore creates a Store for the results file at path
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Path returns the results file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the results file. A missing file holds no records.
func (s *Store) Load() ([]Record, error) {
	records, err := s.read()
	if err != nil {
		return nil, err
	}
	s.remember(records)
	return records, nil
}

func (s *Store) read() ([]Record, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer f.Close()

	return ReadRecords(f)
}

func (s *Store) remember(records []Record) {
	s.records = Merge(nil, records)
	s.index = make(map[string]int, len(s.records))
	for i, r := range s.records {
		s.index[r.Key()] = i
	}
	s.loaded = true
}

// Append merges records into the results file. The file is replaced
// atomically through a temporary sibling.
func (s *Store) Append(records ...Record) error {
	if !s.loaded {
		if _, err := s.Load(); err != nil {
			return err
		}
	}
	for _, r := range records {
		if i, ok := s.index[r.Key()]; ok {
			s.records[i] = r
			continue
		}
		s.index[r.Key()] = len(s.records)
		s.records = append(s.records, r)
	}
	return s.write(s.records)
}

func (s *Store) write(records []Record) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create results dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	if err := WriteRecords(f, records); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to close results file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace results file: %w", err)
	}
	return nil
}

// Summary counts records per status, sorted by status
func Summary(records []Record) []StatusCount {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Status]++
	}
	out := make([]StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}

// StatusCount is the number of records with a status
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
