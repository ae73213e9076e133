// Package filter implements --where clauses over events.jsonl records.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/eab/internal/domain"
)

// WhereClause represents a parsed --where condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // compiled for ~ and !~
}

// ParseWhereClause parses a clause like "type=alert" or "data.category~CRASH|WATCHDOG"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// longest first so != is not read as =
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(clause[:idx])
		value := strings.TrimSpace(clause[idx+len(op):])
		if field == "" || value == "" {
			return nil, fmt.Errorf("invalid where clause: %s", clause)
		}

		wc := &WhereClause{Field: field, Operator: op, Value: value}
		if op == "~" || op == "!~" {
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
			}
			wc.regex = re
		}
		return wc, nil
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

// Match checks if an event satisfies this clause. A field the event does not
// carry only matches the negative operators.
func (wc *WhereClause) Match(ev domain.Event) bool {
	value, ok := fieldValue(ev, wc.Field)

	switch wc.Operator {
	case "=":
		return ok && value == wc.Value
	case "!=":
		return !ok || value != wc.Value
	case "~":
		return ok && wc.regex.MatchString(value)
	case "!~":
		return !ok || !wc.regex.MatchString(value)
	case "^":
		return ok && strings.HasPrefix(value, wc.Value)
	case "$":
		return ok && strings.HasSuffix(value, wc.Value)
	case ">=", "<=":
		return ok && wc.compare(value)
	}
	return false
}

// fieldValue resolves type, level, session, sequence or data.<key>; a bare
// unknown name is looked up in data
func fieldValue(ev domain.Event, field string) (string, bool) {
	switch strings.ToLower(field) {
	case "type":
		return ev.Type, true
	case "level":
		return string(ev.Level), ev.Level != ""
	case "session", "session_id":
		return ev.SessionID, ev.SessionID != ""
	case "seq", "sequence":
		return strconv.FormatInt(ev.Sequence, 10), true
	}
	key := strings.TrimPrefix(field, "data.")
	v, ok := ev.Data[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return fmt.Sprint(x), true
	}
}

var levelRank = map[string]int{
	string(domain.LevelInfo):  0,
	string(domain.LevelWarn):  1,
	string(domain.LevelError): 2,
}

// compare handles >= and <=: severities for level, numbers otherwise
func (wc *WhereClause) compare(value string) bool {
	var have, want float64
	if strings.EqualFold(wc.Field, "level") {
		h, ok1 := levelRank[strings.ToLower(value)]
		w, ok2 := levelRank[strings.ToLower(wc.Value)]
		if !ok1 || !ok2 {
			return false
		}
		have, want = float64(h), float64(w)
	} else {
		var err error
		if have, err = strconv.ParseFloat(value, 64); err != nil {
			return false
		}
		if want, err = strconv.ParseFloat(wc.Value, 64); err != nil {
			return false
		}
	}
	if wc.Operator == ">=" {
		return have >= want
	}
	return have <= want
}

// WhereFilter applies several clauses with AND logic
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter builds a filter from clause strings; no clauses yields nil,
// which matches everything
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}
	return filter, nil
}

// Match returns true if the event matches ALL clauses
func (f *WhereFilter) Match(ev domain.Event) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(ev) {
			return false
		}
	}
	return true
}
