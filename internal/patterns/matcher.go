// Package patterns classifies device lines into alert categories.
package patterns

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/vburojevic/eab/internal/domain"
)

// Category is one alert class and the expressions that select it
type Category struct {
	Name    string
	regexes []*regexp.Regexp
}

// Match reports whether any expression of the category matches text
func (c *Category) Match(text string) bool {
	for _, re := range c.regexes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Matcher tests every line against every category and keeps per-category tallies
type Matcher struct {
	categories []*Category

	mu    sync.Mutex
	tally map[string]int
}

// New builds a matcher from the default table, adding extra categories or
// patterns and dropping the disabled ones. Invalid regexes are rejected.
func New(extra map[string][]string, disable []string) (*Matcher, error) {
	table := DefaultTable()
	for name, exprs := range extra {
		key := normalizeName(name)
		table[key] = append(table[key], exprs...)
	}
	for _, name := range disable {
		delete(table, normalizeName(name))
	}
	return NewFromTable(table)
}

// NewFromTable builds a matcher from an explicit table
func NewFromTable(table map[string][]string) (*Matcher, error) {
	names := lo.Keys(table)
	sort.Strings(names)

	m := &Matcher{tally: make(map[string]int, len(names))}
	for _, name := range names {
		cat := &Category{Name: normalizeName(name)}
		for _, expr := range table[name] {
			re, err := compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for %s %q: %w", cat.Name, expr, err)
			}
			cat.regexes = append(cat.regexes, re)
		}
		if len(cat.regexes) == 0 {
			continue
		}
		m.categories = append(m.categories, cat)
		m.tally[cat.Name] = 0
	}
	return m, nil
}

func compile(expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	return regexp.Compile("(?i)" + expr)
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ParseDefinition parses a NAME:regex pair as given on the command line
func ParseDefinition(def string) (string, string, error) {
	name, expr, ok := strings.Cut(def, ":")
	name = normalizeName(name)
	if !ok || name == "" || strings.TrimSpace(expr) == "" {
		return "", "", fmt.Errorf("invalid pattern definition %q (want NAME:regex)", def)
	}
	if _, err := compile(expr); err != nil {
		return "", "", fmt.Errorf("invalid regex in pattern definition %q: %w", def, err)
	}
	return name, expr, nil
}

// Classify tests text against every category. Each matching category yields
// one record carrying the verbatim text and bumps that category's tally.
func (m *Matcher) Classify(text string, ts time.Time) []domain.AlertRecord {
	var out []domain.AlertRecord
	for _, cat := range m.categories {
		if cat.Match(text) {
			out = append(out, domain.AlertRecord{Timestamp: ts, Category: cat.Name, Text: text})
		}
	}
	if len(out) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, rec := range out {
		m.tally[rec.Category]++
	}
	m.mu.Unlock()
	return out
}

// Tally returns a copy of the per-category counts
func (m *Matcher) Tally() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Assign(map[string]int{}, m.tally)
}

// Reset zeroes all tallies
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.tally {
		m.tally[k] = 0
	}
}

// Categories returns category names in match order
func (m *Matcher) Categories() []string {
	return lo.Map(m.categories, func(c *Category, _ int) string { return c.Name })
}

// Names extracts the category names from a set of records
func Names(records []domain.AlertRecord) []string {
	return lo.Map(records, func(r domain.AlertRecord, _ int) string { return r.Category })
}
