package action

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile("{(.*?)}")

// ResolveParams copies params, replacing every {$.path} token inside string
// values with the value found at that json path of data. A string that is a
// single token keeps the type of the looked up value.
func ResolveParams(data map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any, len(params))
	for k, v := range params {
		output[k] = resolveValue(data, v)
	}
	return output
}

func resolveValue(data map[string]any, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ResolveParams(data, val)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, resolveValue(data, item))
		}
		return out
	case string:
		return resolveString(data, val)
	default:
		return v
	}
}

func resolveString(data map[string]any, s string) any {
	tokens := tokenPattern.FindAllString(s, -1)
	if len(tokens) == 0 {
		return s
	}
	if len(tokens) == 1 && tokens[0] == s {
		path := strings.Trim(s, "{}")
		if strings.HasPrefix(path, "$") {
			value, err := jsonpath.JsonPathLookup(data, path)
			if err != nil {
				return nil
			}
			return value
		}
		return s
	}
	out := s
	for _, token := range tokens {
		path := strings.Trim(token, "{}")
		if !strings.HasPrefix(path, "$") {
			continue
		}
		value, _ := jsonpath.JsonPathLookup(data, path)
		out = strings.ReplaceAll(out, token, fmt.Sprintf("%v", value))
	}
	return out
}

// Lookup returns the value at a json path ("$.a.b") or plain top level key.
func Lookup(data map[string]any, key string) (any, bool) {
	if !strings.HasPrefix(key, "$") {
		v, ok := data[key]
		return v, ok
	}
	v, err := jsonpath.JsonPathLookup(data, key)
	if err != nil {
		return nil, false
	}
	return v, true
}
