package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate replaces {{name}} placeholders left to right. Caller-supplied
// variables win over declared defaults. A missing required variable is a
// config error; a missing optional variable with no default substitutes the
// empty string.
func Interpolate(template string, vars map[string]string, decls []VariableDecl) (string, error) {
	declByName := map[string]VariableDecl{}
	for _, d := range decls {
		declByName[d.Name] = d
	}

	var missing string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		if v, ok := vars[name]; ok {
			return v
		}
		if d, ok := declByName[name]; ok {
			if d.Default != "" {
				return d.Default
			}
			if d.Required && missing == "" {
				missing = name
			}
		}
		return ""
	})
	if missing != "" {
		return "", &ConfigError{Message: fmt.Sprintf("missing required variable %q", missing)}
	}
	return out, nil
}
