package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// URLMatcher tells whether a request URL is exempt from tracing.
type URLMatcher interface {
	Match(url string) bool
}

type literalMatcher string

func (m literalMatcher) Match(url string) bool { return string(m) == url }

type globMatcher string

func (m globMatcher) Match(url string) bool {
	ok, _ := doublestar.Match(string(m), url)
	return ok
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func (m regexpMatcher) Match(url string) bool { return m.re.MatchString(url) }

// Literal matches url by string equality.
func Literal(url string) URLMatcher { return literalMatcher(url) }

// Glob matches with doublestar patterns, e.g. "/static/**".
func Glob(pattern string) (URLMatcher, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
	}
	return globMatcher(pattern), nil
}

func Regexp(re *regexp.Regexp) URLMatcher { return regexpMatcher{re: re} }

const regexpPrefix = "regexp:"

// ParseMatchers turns configured ignore entries into matchers, keeping order.
// "regexp:<expr>" entries are regular expressions, entries with glob
// metacharacters are patterns, the rest are literals.
func ParseMatchers(entries []string) ([]URLMatcher, error) {
	matchers := make([]URLMatcher, 0, len(entries))
	for _, e := range entries {
		if expr, ok := strings.CutPrefix(e, regexpPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid ignore regexp %q: %w", expr, err)
			}
			matchers = append(matchers, Regexp(re))
			continue
		}
		if !strings.ContainsAny(e, "*?[{") {
			matchers = append(matchers, Literal(e))
			continue
		}
		m, err := Glob(e)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}
