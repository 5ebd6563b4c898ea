package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/danmuck/gridctl/internal/grid"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes every {name} in tmpl from bindings. "${name}" is shell syntax and left alone.
// All unbound names are reported together.
func Render(tmpl string, bindings map[string]string) (string, error) {
	var (
		b       strings.Builder
		missing []string
		last    int
	)
	for _, m := range placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1) {
		start, end := m[0], m[1]
		if start > 0 && tmpl[start-1] == '$' {
			continue
		}
		name := tmpl[m[2]:m[3]]
		value, ok := bindings[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		b.WriteString(tmpl[last:start])
		b.WriteString(value)
		last = end
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: no binding for %s", ErrTemplate, formatMissing(missing))
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// Bindings are the placeholder values available to one experiment.
func Bindings(exp grid.ExperimentSpec, layout Layout) map[string]string {
	return bindings(exp.Name, exp.Params, layout)
}

func bindings(expName string, params map[string]string, layout Layout) map[string]string {
	out := make(map[string]string, len(params)+3)
	for k, v := range params {
		out[k] = v
	}
	out["exp_name"] = expName
	out["remote_dir"] = layout.BaseDir
	out["run_dir"] = layout.RunDir(expName)
	return out
}

func formatMissing(names []string) string {
	seen := make(map[string]struct{}, len(names))
	uniq := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)
	parts := make([]string, len(uniq))
	for i, n := range uniq {
		parts[i] = "{" + n + "}"
	}
	return strings.Join(parts, ", ")
}
