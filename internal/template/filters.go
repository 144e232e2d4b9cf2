package template

import (
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowpipe/internal/xjson"
)

const defaultDateFormat = "YYYY-MM-DD HH:mm"

var layoutReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// applyFilter runs "name(args)" on v. Unknown filters leave v unchanged.
func applyFilter(expr string, v any, scope Scope) any {
	name, arg := parseFilter(expr)
	switch name {
	case "date":
		if arg == "" {
			arg = defaultDateFormat
		}
		t, ok := toTime(v, scope)
		if !ok {
			return v
		}
		return t.Format(layoutReplacer.Replace(arg))
	case "default":
		if v == nil || v == "" {
			return arg
		}
		return v
	case "upper":
		return strings.ToUpper(Stringify(v))
	case "lower":
		return strings.ToLower(Stringify(v))
	case "json":
		b, err := xjson.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}

func parseFilter(expr string) (name, arg string) {
	open := strings.IndexByte(expr, '(')
	if open < 0 {
		return strings.TrimSpace(expr), ""
	}
	name = strings.TrimSpace(expr[:open])
	arg = strings.TrimSuffix(strings.TrimSpace(expr[open+1:]), ")")
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		arg = arg[1 : len(arg)-1]
	}
	return name, arg
}

// toTime interprets numbers as epoch milliseconds. A nil value means now.
func toTime(v any, scope Scope) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return scope.Now(), true
	case time.Time:
		return t, true
	case int:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case float64:
		return time.UnixMilli(int64(t)), true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}
