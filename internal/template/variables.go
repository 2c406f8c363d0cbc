package template

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// ExtractVariables returns the distinct {{name}} tokens in body, in order of
// first appearance.
func ExtractVariables(body string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, match := range placeholderRe.FindAllStringSubmatch(body, -1) {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// stringify coerces a scalar variable value to its substitution text. Object
// and array values are rejected by validation before rendering reaches here.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integral values without
		// a trailing ".0".
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return true
}

// substitute replaces every {{name}} occurrence that has a value; tokens
// without a value are left intact for the caller to handle.
func substitute(body string, variables map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		if value, ok := variables[name]; ok && value != nil {
			return stringify(value)
		}
		return token
	})
}
