// Package pattern compiles the dot-separated path patterns that event
// handlers register on. Patterns are compiled once into a small segment
// list (literal, UID capture, wildcard tail) and matched structurally,
// never via regular expressions.
package pattern

import (
	"fmt"
	"strings"
)

// UIDToken is the placeholder segment that matches any UID-shaped path
// segment and captures it.
const UIDToken = "{uid}"

// Wildcard is the trailing segment that matches any remaining path
// suffix, including an empty one.
const Wildcard = "*"

type segmentKind int

const (
	segLiteral segmentKind = iota
	segUID
	segWildcard
)

type segment struct {
	kind    segmentKind
	literal string
}

// Pattern is a compiled path pattern.
type Pattern struct {
	raw         string
	segments    []segment
	specificity int
}

// Match describes a successful pattern match.
type Match struct {
	// UIDs holds the captured UID segments in pattern order.
	UIDs []string

	// Remainder is the path suffix beyond the pattern's last segment,
	// empty for an exact match. A non-empty remainder means the event
	// hit deeper inside the shape the pattern describes.
	Remainder string
}

// Exact reports whether the matched path ended exactly at the pattern.
func (m Match) Exact() bool {
	return m.Remainder == ""
}

// Compile parses a pattern. The wildcard is only valid as the final
// segment; empty segments are rejected.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	parts := strings.Split(raw, ".")
	p := &Pattern{raw: raw, segments: make([]segment, 0, len(parts))}
	for i, part := range parts {
		switch part {
		case "":
			return nil, fmt.Errorf("pattern %q: empty segment", raw)
		case UIDToken:
			p.segments = append(p.segments, segment{kind: segUID})
			p.specificity++
		case Wildcard:
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: wildcard must be the final segment", raw)
			}
			p.segments = append(p.segments, segment{kind: segWildcard})
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: part})
			p.specificity++
		}
	}
	return p, nil
}

// MustCompile is Compile for patterns known valid at build time.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern source text.
func (p *Pattern) String() string {
	return p.raw
}

// Specificity counts the fixed (non-wildcard) segments of the pattern.
// Dispatch invokes less specific patterns before more specific ones.
func (p *Pattern) Specificity() int {
	return p.specificity
}

// Match tests path against the pattern. Paths deeper than the pattern
// still match, with the extra suffix reported as the remainder; paths
// shorter than the pattern's fixed segments do not match.
func (p *Pattern) Match(path string) (Match, bool) {
	segs := strings.Split(path, ".")
	var m Match
	for i, ps := range p.segments {
		if ps.kind == segWildcard {
			return m, true
		}
		if i >= len(segs) {
			return Match{}, false
		}
		switch ps.kind {
		case segLiteral:
			if segs[i] != ps.literal {
				return Match{}, false
			}
		case segUID:
			if !IsUID(segs[i]) {
				return Match{}, false
			}
			m.UIDs = append(m.UIDs, segs[i])
		}
	}
	if len(segs) > len(p.segments) {
		m.Remainder = strings.Join(segs[len(p.segments):], ".")
	}
	return m, true
}
