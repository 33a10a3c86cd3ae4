package bus

import (
	"strings"
)

// BusAddress is the reserved address of the bus itself.
const BusAddress = "Bus-1"

// Address is a hierarchical bus participant identifier in X, X-Y or
// X-Y.Z form. Segments are digits and letters; "Bus-1" is reserved for
// the bus.
type Address string

// Valid reports whether the address is well-formed: one alphanumeric
// top-level segment, an optional "-Y" subsystem segment and an optional
// ".Z" component segment.
func (a Address) Valid() bool {
	s := string(a)
	if s == "" {
		return false
	}
	rest := s
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		if !alnum(rest[i+1:]) {
			return false
		}
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		if !alnum(rest[i+1:]) {
			return false
		}
		rest = rest[:i]
	}
	return alnum(rest)
}

func alnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// MatchesTopic reports whether a subscription pattern matches a topic.
// A pattern matches on exact equality or as a hierarchical prefix: the
// topic must continue with a '.' or '-' separator at the boundary, so
// "1-1" matches "1-1.2" but not "1-10".
func MatchesTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.HasPrefix(topic, pattern) {
		return false
	}
	next := topic[len(pattern)]
	return next == '.' || next == '-'
}
