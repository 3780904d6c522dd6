// Package triage inspects notebook source for the libraries it uses.
package triage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

// installPatterns name packages worth adding to a unit environment beyond the baseline set.
var installPatterns = []pattern{
	{"torch", regexp.MustCompile(`\bimport\s+torch\b`)},
	{"tensorflow", regexp.MustCompile(`\bimport\s+tensorflow\b`)},
	{"xgboost", regexp.MustCompile(`\bimport\s+xgboost\b`)},
	{"lightgbm", regexp.MustCompile(`\bimport\s+lightgbm\b`)},
	{"transformers", regexp.MustCompile(`\bfrom\s+transformers\b|\bimport\s+transformers\b`)},
	{"seaborn", regexp.MustCompile(`\bimport\s+seaborn\b`)},
	{"statsmodels", regexp.MustCompile(`\bimport\s+statsmodels\b`)},
}

var libraryPatterns = []pattern{
	{"sklearn", regexp.MustCompile(`\bfrom\s+sklearn\b|\bimport\s+sklearn\b`)},
	{"tensorflow", regexp.MustCompile(`\bimport\s+tensorflow\b|\bfrom\s+tensorflow\b`)},
	{"torch", regexp.MustCompile(`\bimport\s+torch\b|\bfrom\s+torch\b`)},
	{"xgboost", regexp.MustCompile(`\bimport\s+xgboost\b`)},
	{"lightgbm", regexp.MustCompile(`\bimport\s+lightgbm\b`)},
	{"transformers", regexp.MustCompile(`\bfrom\s+transformers\b|\bimport\s+transformers\b`)},
	{"catboost", regexp.MustCompile(`\bimport\s+catboost\b`)},
	{"statsmodels", regexp.MustCompile(`\bimport\s+statsmodels\b`)},
	{"pandas", regexp.MustCompile(`\bimport\s+pandas\b|\bfrom\s+pandas\b`)},
	{"matplotlib", regexp.MustCompile(`\bimport\s+matplotlib\b|\bfrom\s+matplotlib\b`)},
	{"seaborn", regexp.MustCompile(`\bimport\s+seaborn\b`)},
}

// Cell is one notebook cell. Source is either a string or a list of lines.
type Cell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

// Notebook is the subset of the nbformat document used for triage
type Notebook struct {
	Cells []Cell `json:"cells"`
}

// Parse decodes a notebook document
func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}
	return &nb, nil
}

// CodeSources returns the joined source of every code cell, in order
func (nb *Notebook) CodeSources() []string {
	var sources []string
	for _, cell := range nb.Cells {
		if cell.CellType != "code" {
			continue
		}
		sources = append(sources, cellSource(cell.Source))
	}
	return sources
}

func cellSource(raw json.RawMessage) string {
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return ""
}

// DetectLibs returns the sorted set of known libraries imported by code cells
func (nb *Notebook) DetectLibs() []string {
	found := make(map[string]struct{})
	for _, src := range nb.CodeSources() {
		for _, p := range libraryPatterns {
			if p.re.MatchString(src) {
				found[p.name] = struct{}{}
			}
		}
	}
	return sortedKeys(found)
}

// InferInstalls returns the sorted packages to install for the notebook.
// Every cell counts, whatever its type.
func (nb *Notebook) InferInstalls() []string {
	found := make(map[string]struct{})
	for _, cell := range nb.Cells {
		src := cellSource(cell.Source)
		for _, p := range installPatterns {
			if p.re.MatchString(src) {
				found[p.name] = struct{}{}
			}
		}
	}
	return sortedKeys(found)
}

// InferInstalls returns the sorted packages to install for raw text that
// could not be parsed as a notebook.
func InferInstalls(raw []byte) []string {
	found := make(map[string]struct{})
	for _, p := range installPatterns {
		if p.re.Match(raw) {
			found[p.name] = struct{}{}
		}
	}
	return sortedKeys(found)
}

// Report is the triage outcome for one notebook file
type Report struct {
	Libs   []string
	Extras []string
}

// InspectFile reads the notebook at path and reports its libraries and extra installs.
// Extras are inferred from the raw text when the document is not valid JSON.
func InspectFile(fs afero.Fs, path string) (Report, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read notebook: %w", err)
	}

	nb, err := Parse(raw)
	if err != nil {
		return Report{Extras: InferInstalls(raw)}, err
	}
	return Report{Libs: nb.DetectLibs(), Extras: nb.InferInstalls()}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
