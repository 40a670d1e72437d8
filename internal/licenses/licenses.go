// Package licenses lists the third-party dependencies shipped in the
// edgewire binary and their license terms.
package licenses

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
)

// licensesCSV holds one dependency per line: package,url,license type.
//
//go:embed licenses.csv
var licensesCSV []byte

// License is one third-party dependency's license information.
type License struct {
	Package string
	URL     string
	Type    string
}

// List returns all third-party licenses, sorted by package path.
func List() ([]License, error) {
	records, err := csv.NewReader(strings.NewReader(string(licensesCSV))).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse licenses CSV: %w", err)
	}

	out := make([]License, 0, len(records))
	for _, rec := range records {
		if len(rec) < 3 {
			continue
		}
		out = append(out, License{Package: rec[0], URL: rec[1], Type: rec[2]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out, nil
}

// Count returns the number of third-party dependencies.
func Count() int {
	licenses, err := List()
	if err != nil {
		return 0
	}
	return len(licenses)
}

// Types returns license types mapped to their dependency counts.
func Types() map[string]int {
	licenses, err := List()
	if err != nil {
		return nil
	}
	types := make(map[string]int)
	for _, lic := range licenses {
		types[lic.Type]++
	}
	return types
}

// Report renders a plain-text dependency listing.
func Report() (string, error) {
	licenses, err := List()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Third-party dependencies (%d):\n\n", len(licenses))
	for _, lic := range licenses {
		fmt.Fprintf(&b, "  %-40s %-14s %s\n", lic.Package, lic.Type, lic.URL)
	}
	return b.String(), nil
}
