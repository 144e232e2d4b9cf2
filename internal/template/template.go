// Package template resolves {{path}} placeholders against a lookup scope.
//
// A template that is exactly one placeholder keeps the native type of the
// value it resolves to. A single placeholder may carry a filter,
// "{{ path | date(YYYY-MM-DD) }}". Any other string has each embedded
// placeholder replaced by the string form of its value, with undefined
// values rendering as the empty string.
package template

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowpipe/internal/xjson"
)

// Scope supplies values for dotted paths.
type Scope interface {
	Lookup(path string) (any, bool)
	Now() time.Time
}

var (
	wholeRe    = regexp.MustCompile(`^\{\{([^{}]+)\}\}$`)
	embeddedRe = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)
)

// HasPlaceholder reports whether s contains template syntax.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "{{")
}

// Resolve resolves v against scope. Non-string values pass through.
func Resolve(v any, scope Scope) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return ResolveString(s, scope)
}

// ResolveString resolves a template string.
func ResolveString(tmpl string, scope Scope) any {
	if m := wholeRe.FindStringSubmatch(tmpl); m != nil {
		inner := strings.TrimSpace(m[1])
		if path, filter, ok := strings.Cut(inner, "|"); ok {
			val, _ := scope.Lookup(strings.TrimSpace(path))
			return applyFilter(strings.TrimSpace(filter), val, scope)
		}
		val, _ := scope.Lookup(inner)
		return val
	}
	if !HasPlaceholder(tmpl) {
		return tmpl
	}
	return embeddedRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := embeddedRe.FindStringSubmatch(match)[1]
		val, ok := scope.Lookup(path)
		if !ok {
			return ""
		}
		return Stringify(val)
	})
}

// ResolveAll resolves every value of params, descending into nested maps
// and slices. The input is not modified.
func ResolveAll(params map[string]any, scope Scope) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveDeep(v, scope)
	}
	return out
}

func resolveDeep(v any, scope Scope) any {
	switch t := v.(type) {
	case string:
		return ResolveString(t, scope)
	case map[string]any:
		return ResolveAll(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveDeep(e, scope)
		}
		return out
	default:
		return v
	}
}

// Stringify renders a resolved value for embedding in a larger string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := xjson.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// Walk follows parts through nested maps and slices starting at root.
func Walk(root any, parts []string) (any, bool) {
	cur := root
	for _, part := range parts {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			v, ok := walkReflect(cur, part)
			if !ok {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

func walkReflect(cur any, part string) (any, bool) {
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(part).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// SplitPath splits a dotted path, ignoring empty segments.
func SplitPath(path string) []string {
	raw := strings.Split(path, ".")
	out := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
