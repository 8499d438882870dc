package trigger

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)

// Render substitutes {{dot.path}} placeholders in v from ctx. A string that
// is exactly one placeholder takes the referenced value with its type;
// unresolved placeholders become empty strings.
func Render(v any, ctx map[string]any) any {
	switch x := v.(type) {
	case string:
		return renderString(x, ctx)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Render(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Render(val, ctx)
		}
		return out
	}
	return v
}

// RenderConfig renders an action config.
func RenderConfig(cfg, ctx map[string]any) map[string]any {
	out, _ := Render(cfg, ctx).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func renderString(s string, ctx map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := Lookup(ctx, m[1]); ok {
			return val
		}
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		path := placeholderRe.FindStringSubmatch(ph)[1]
		val, _ := Lookup(ctx, path)
		return stringify(val)
	})
}
