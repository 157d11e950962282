package security

import (
	"fmt"
	"regexp"
)

// shellCommands are the commands a "$(...)" or backtick substitution must
// start with to count as injection. Markdown code spans and jQuery calls
// pass.
const shellCommands = `(?:rm|curl|wget|nc|ncat|bash|sh|zsh|chmod|chown|python3?|perl|whoami|uname)`

// defaultSignatures match script injection, SQL injection and shell command
// chaining in message content.
var defaultSignatures = []string{
	`(?i)<\s*script\b`,
	`(?i)javascript\s*:`,
	`(?i)\bon[a-z]+\s*=\s*["']?[^"'\s>]*\(`,
	`(?i)\bunion\s+(all\s+)?select\b`,
	`(?i);\s*drop\s+table\b`,
	`(?i)'\s*or\s+'?1'?\s*=\s*'?1`,
	`(?:;|&&|\|\|)\s*(?:rm|curl|wget|nc|bash|sh)\b`,
	`\$\(\s*` + shellCommands + `\b[^)]*\)`,
	"`\\s*" + shellCommands + "\\b[^`]*`",
}

// denylist is a compiled set of content signatures.
type denylist []*regexp.Regexp

func compileDenylist(extra []string) (denylist, error) {
	out := make(denylist, 0, len(defaultSignatures)+len(extra))
	for _, pattern := range append(append([]string(nil), defaultSignatures...), extra...) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// matches reports whether any string inside v, keys included, hits a
// signature.
func (d denylist) matches(v any) bool {
	switch val := v.(type) {
	case string:
		for _, re := range d {
			if re.MatchString(val) {
				return true
			}
		}
	case map[string]any:
		for k, item := range val {
			if d.matches(k) || d.matches(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if d.matches(item) {
				return true
			}
		}
	}
	return false
}
