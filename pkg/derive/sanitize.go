// Metric name sanitisation for names built from user-controlled span fields
// Collapses whitespace runs and escapes double quotes for the metrics backend
package derive

import (
	"regexp"
	"strings"
)

// whitespaceRun matches the ASCII whitespace class, vertical tab included.
var whitespaceRun = regexp.MustCompile(`[\t\n\v\f\r ]+`)

// Sanitize replaces every whitespace run in s with a single hyphen. When s
// contains a double or single quote, every double quote in the result is
// additionally escaped with a backslash. Single quotes are left alone: once a
// name is double-quoted on the wire they need no escaping.
func Sanitize(s string) string {
	out := whitespaceRun.ReplaceAllLiteralString(s, "-")
	if strings.ContainsAny(s, `"'`) {
		return strings.ReplaceAll(out, `"`, `\"`)
	}
	return out
}
