package columnar

import (
	"fmt"
	"regexp"
	"sort"
)

// placeholderPattern matches the compiler's $name placeholders. JSON path
// fragments like '$.' never match because a placeholder name must start
// with a letter or underscore.
var placeholderPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// bindNamed rewrites $name placeholders to driver-positional `?` markers
// and produces the argument slice in occurrence order. It is the single
// point where named params become positional, so a missing or orphaned
// binding fails loudly here instead of surfacing as a driver error.
func bindNamed(text string, params map[string]any) (string, []any, error) {
	used := make(map[string]bool, len(params))
	var args []any
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(ph string) string {
		name := ph[1:]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return ph
		}
		used[name] = true
		args = append(args, bindArg(v))
		return "?"
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", nil, fmt.Errorf("unbound placeholders: %v", missing)
	}
	for name := range params {
		if !used[name] {
			return "", nil, fmt.Errorf("param %q not referenced in query text", name)
		}
	}
	return out, args, nil
}

// bindArg normalizes values the driver cannot bind directly. String slices
// become []any so they bind as a DuckDB LIST.
func bindArg(v any) any {
	if ss, ok := v.([]string); ok {
		list := make([]any, len(ss))
		for i, s := range ss {
			list[i] = s
		}
		return list
	}
	return v
}
