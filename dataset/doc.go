// Package dataset reads the unit queue and maintains the results file.
//
// The queue is a YAML document listing units. Results are a CSV file with one
// row per unit, keyed by identity and path; each run merges its records into
// the existing file so that re-running a unit replaces its previous row.
package dataset
