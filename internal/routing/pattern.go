// Package routing maps inbound lane messages to logical agents using the
// ordered binding list from config.
//
// Binding patterns use a deliberately narrow grammar:
//
//	"*"        any value
//	"foo-*"    prefix "foo-"
//	"*-bar"    suffix "-bar"
//	"exact"    the literal string
//
// A pattern that both starts and ends with "*" (other than "*" itself) is
// matched literally, asterisks included.
package routing

import "strings"

// MatchKind tags the variant held by a FieldMatcher.
type MatchKind uint8

const (
	MatchExact MatchKind = iota
	MatchPrefix
	MatchSuffix
	MatchAny
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchSuffix:
		return "suffix"
	case MatchAny:
		return "any"
	}
	return "unknown"
}

// FieldMatcher is a compiled binding pattern.
type FieldMatcher struct {
	Kind  MatchKind
	Value string // empty for MatchAny
}

// Compile turns a pattern string into a FieldMatcher. It never fails:
// anything outside the grammar degrades to an exact match.
func Compile(pattern string) FieldMatcher {
	if pattern == "*" {
		return FieldMatcher{Kind: MatchAny}
	}
	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")
	switch {
	case leading && !trailing:
		return FieldMatcher{Kind: MatchSuffix, Value: pattern[1:]}
	case trailing && !leading:
		return FieldMatcher{Kind: MatchPrefix, Value: pattern[:len(pattern)-1]}
	default:
		return FieldMatcher{Kind: MatchExact, Value: pattern}
	}
}

// Match reports whether value satisfies m.
func (m FieldMatcher) Match(value string) bool {
	switch m.Kind {
	case MatchAny:
		return true
	case MatchPrefix:
		return strings.HasPrefix(value, m.Value)
	case MatchSuffix:
		return strings.HasSuffix(value, m.Value)
	default:
		return value == m.Value
	}
}

// String renders the matcher back into pattern form.
func (m FieldMatcher) String() string {
	switch m.Kind {
	case MatchAny:
		return "*"
	case MatchPrefix:
		return m.Value + "*"
	case MatchSuffix:
		return "*" + m.Value
	default:
		return m.Value
	}
}
