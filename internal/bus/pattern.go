package bus

import (
	"regexp"
	"strings"
)

// compilePattern turns a dotted-segment glob into a compiled regexp,
// escaping every regex metacharacter in the literal portions first per
// spec.md §9 ("must not be implemented by direct regex substitution;
// escape all metacharacters first, then replace the `*` token"). A `*`
// that is not the final token matches one segment's worth of
// non-separator characters; a trailing `*` (the common case — e.g. the
// Alert Router's "alert.*" subscription, which must match multi-segment
// event types like "alert.email.urgent") greedily matches the rest of
// the string including further separators, since spec.md's own
// end-to-end usage requires a single trailing wildcard to subscribe to
// an entire dotted subtree.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	const segmentToken = "\x00SEGMENT\x00"
	const trailingToken = "\x00TRAILING\x00"

	working := pattern
	hasTrailing := strings.HasSuffix(working, "*")
	if hasTrailing {
		working = working[:len(working)-1] + trailingToken
	}
	working = strings.ReplaceAll(working, "*", segmentToken)

	escaped := regexp.QuoteMeta(working)
	escaped = strings.ReplaceAll(escaped, segmentToken, "[^.]*")
	escaped = strings.ReplaceAll(escaped, trailingToken, ".*")
	return regexp.Compile("^" + escaped + "$")
}

// Subscription binds a compiled pattern to a handler, identified by the
// stable handlerName derived from pattern+ordinal per spec.md §3.
type Subscription struct {
	Pattern     string
	Ordinal     int
	HandlerName string
	Handler     HandlerFunc
	matcher     *regexp.Regexp
}

func (s *Subscription) matches(eventType string) bool {
	if s.matcher == nil {
		return false
	}
	return s.matcher.MatchString(eventType)
}
