// Package match implements the spatial (zone) and capability matchers used
// when assigning tasks to agents.
package match

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileGlob translates a glob pattern into an anchored regular expression.
//
// Semantics:
//   - `**` matches any sequence of path characters, including `/`
//   - `*` matches any sequence not containing `/`
//   - `?` matches exactly one non-slash character
//   - everything else matches literally, case-sensitively
//
// The translation handles `**` before `*` so "src/**" does not degrade into
// two single-segment wildcards.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`\A`)

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(`.*`)
				i++
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString(`\z`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}
	return re, nil
}
