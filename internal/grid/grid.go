package grid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/gridctl/internal/config"
)

const namePrefix = "exp"

// ExperimentSpec is one concrete parameter binding. Params holds the formatted values.
type ExperimentSpec struct {
	Name   string
	Params map[string]string
}

// Keys returns the parameter names in lexicographic order.
func (e ExperimentSpec) Keys() []string {
	keys := make([]string, 0, len(e.Params))
	for k := range e.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expand turns a grid or explicit list into named experiments.
// Grid output varies the lexicographically last parameter fastest.
func Expand(src config.Source) ([]ExperimentSpec, error) {
	var bindings []map[string]string
	switch s := src.(type) {
	case config.GridSpec:
		b, err := expandGrid(s)
		if err != nil {
			return nil, err
		}
		bindings = b
	case config.ExplicitList:
		b, err := expandList(s)
		if err != nil {
			return nil, err
		}
		bindings = b
	default:
		return nil, fmt.Errorf("%w: unsupported experiment source %T", config.ErrConfig, src)
	}

	out := make([]ExperimentSpec, 0, len(bindings))
	seen := make(map[string]int, len(bindings))
	for i, params := range bindings {
		name := Name(params)
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: experiments %d and %d share name %q", config.ErrConfig, prev, i, name)
		}
		seen[name] = i
		out = append(out, ExperimentSpec{Name: name, Params: params})
	}
	return out, nil
}

// Name derives the experiment name: exp_{k1}_{v1}_{k2}_{v2}... with keys sorted.
func Name(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(namePrefix)
	for _, k := range keys {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte('_')
		b.WriteString(sanitizeToken(params[k]))
	}
	return b.String()
}

// FormatValue renders a scalar in its shortest exact textual form.
// 0.10 and 0.1 both format as "0.1"; 1.0 formats as "1".
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: unsupported parameter value %v (%T)", config.ErrConfig, v, v)
	}
}

func expandGrid(g config.GridSpec) ([]map[string]string, error) {
	keys := make([]string, 0, len(g.Params))
	for k := range g.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: grid has no parameters", config.ErrConfig)
	}

	values := make([][]string, len(keys))
	for i, k := range keys {
		seq := g.Params[k]
		if len(seq) == 0 {
			return nil, fmt.Errorf("%w: grid parameter %q has no values", config.ErrConfig, k)
		}
		values[i] = make([]string, len(seq))
		for j, v := range seq {
			s, err := FormatValue(v)
			if err != nil {
				return nil, fmt.Errorf("grid parameter %q: %w", k, err)
			}
			values[i][j] = s
		}
	}

	out := []map[string]string{{}}
	for i, k := range keys {
		next := make([]map[string]string, 0, len(out)*len(values[i]))
		for _, partial := range out {
			for _, v := range values[i] {
				m := make(map[string]string, len(partial)+1)
				for pk, pv := range partial {
					m[pk] = pv
				}
				m[k] = v
				next = append(next, m)
			}
		}
		out = next
	}
	return out, nil
}

func expandList(l config.ExplicitList) ([]map[string]string, error) {
	if len(l.Items) == 0 {
		return nil, fmt.Errorf("%w: experiments list is empty", config.ErrConfig)
	}
	out := make([]map[string]string, 0, len(l.Items))
	for i, item := range l.Items {
		m := make(map[string]string, len(item))
		for k, v := range item {
			s, err := FormatValue(v)
			if err != nil {
				return nil, fmt.Errorf("experiments[%d].%s: %w", i, k, err)
			}
			m[k] = s
		}
		out = append(out, m)
	}
	return out, nil
}

// sanitizeToken keeps names usable as directory and job names.
func sanitizeToken(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '+':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}
