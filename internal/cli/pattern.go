// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one listable item.
type Entry struct {
	ID     string
	Title  string
	Failed bool
}

// MatchPattern returns the entries whose title or ID matches pattern.
// If the pattern contains glob characters (*?[), it performs glob matching.
// Otherwise, it performs exact matching and fails when nothing matches.
func MatchPattern(pattern string, entries []Entry) ([]Entry, error) {
	// Validate pattern syntax
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	hasGlob := strings.ContainsAny(pattern, "*?[")

	var matches []Entry
	for _, e := range entries {
		if hasGlob {
			byTitle, err := filepath.Match(pattern, e.Title)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
			}
			byID, err := filepath.Match(pattern, e.ID)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
			}
			if byTitle || byID {
				matches = append(matches, e)
			}
			continue
		}
		if e.Title == pattern || e.ID == pattern {
			matches = append(matches, e)
		}
	}

	if len(matches) == 0 {
		if hasGlob {
			return nil, fmt.Errorf("no items match pattern '%s'", pattern)
		}
		return nil, fmt.Errorf("item '%s' not found", pattern)
	}
	return matches, nil
}

// MatchPatterns matches multiple patterns. Returns unique entries preserving
// order of first match. With no patterns every entry is returned.
func MatchPatterns(patterns []string, entries []Entry) ([]Entry, error) {
	if len(patterns) == 0 {
		return entries, nil
	}

	seen := make(map[string]bool)
	var result []Entry

	for _, pattern := range patterns {
		matches, err := MatchPattern(pattern, entries)
		if err != nil {
			return nil, err
		}
		for _, e := range matches {
			if !seen[e.ID] {
				seen[e.ID] = true
				result = append(result, e)
			}
		}
	}

	return result, nil
}

// SortEntries returns a copy sorted by title, then ID. Entries whose title is
// unknown (empty) sort last.
func SortEntries(entries []Entry) []Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.Title == "") != (b.Title == "") {
			return b.Title == ""
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return sorted
}
