// Package resolver substitutes ${variables.NAME} and
// ${tasks.NAME.output.PATH} references inside task parameter trees.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stackbrowse/orchestrator/internal/model"
)

var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_][a-zA-Z0-9_.\-]*)\}`)

// Context carries the values available to a single resolution pass:
// workflow variables (already merged with per-execution inputs) and the
// outputs of previously completed tasks, keyed by task name.
type Context struct {
	Variables map[string]interface{}
	Outputs   map[string]map[string]interface{}
}

// Resolve walks the parameter tree once and returns a fully resolved copy.
// A string that consists of exactly one reference is replaced by the raw
// referenced value, preserving its type; references embedded in longer
// strings are rendered with fmt. The first unresolved reference aborts the
// pass with an ErrUnresolvedReference naming the reference and the parameter
// path it occurred at.
func Resolve(params map[string]interface{}, rc Context) (map[string]interface{}, error) {
	if len(params) == 0 {
		return map[string]interface{}{}, nil
	}
	out, err := resolveValue(params, rc, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func resolveValue(v interface{}, rc Context, path string) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, rc, path)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, rc, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, rc, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, rc Context, path string) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference keeps the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], rc, path)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := lookup(s[m[2]:m[3]], rc, path)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", val)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func lookup(ref string, rc Context, path string) (interface{}, error) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "variables":
		if len(parts) < 2 {
			return nil, unresolved(ref, path)
		}
		return digInto(rc.Variables, parts[1:], ref, path)
	case "tasks":
		// tasks.NAME.output.PATH
		if len(parts) < 3 || parts[2] != "output" {
			return nil, unresolved(ref, path)
		}
		out, ok := rc.Outputs[parts[1]]
		if !ok {
			return nil, unresolved(ref, path)
		}
		if len(parts) == 3 {
			return out, nil
		}
		return digInto(out, parts[3:], ref, path)
	default:
		return nil, unresolved(ref, path)
	}
}

func digInto(m map[string]interface{}, keys []string, ref, path string) (interface{}, error) {
	var cur interface{} = m
	for _, k := range keys {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, unresolved(ref, path)
		}
		cur, ok = obj[k]
		if !ok {
			return nil, unresolved(ref, path)
		}
	}
	return cur, nil
}

func unresolved(ref, path string) error {
	at := path
	if at == "" {
		at = "parameters"
	}
	return model.NewError(model.ErrUnresolvedReference, "unresolved reference ${%s} at %s", ref, at)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
