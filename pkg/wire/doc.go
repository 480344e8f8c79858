package wire

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Doc is a command argument or reply document. Values are one of: nil, bool,
// float64, int, int64, string, Doc, []any, or anything conv can encode. Numbers
// decoded off the wire are always float64; use Int to read them.
type Doc map[string]any

// Clone returns a deep copy.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}

	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case Doc:
		return vv.Clone()
	case map[string]any:
		return Doc(vv).Clone()
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = cloneValue(vv[i])
		}
		return out
	case []Doc:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = vv[i].Clone()
		}
		return out
	}

	return v
}

func (d Doc) Has(key string) bool {
	_, ok := d[key]
	return ok
}

func (d Doc) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (d Doc) Int(key string) int {
	return toInt(d[key])
}

func (d Doc) Int64(key string) int64 {
	switch v := d[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	}

	return 0
}

func toInt(v any) int {
	switch vv := v.(type) {
	case float64:
		return int(vv)
	case float32:
		return int(vv)
	case int:
		return vv
	case int32:
		return int(vv)
	case int64:
		return int(vv)
	case uint64:
		return int(vv)
	case bool:
		if vv {
			return 1
		}
	}

	return 0
}

func (d Doc) Float(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}

	return 0
}

func (d Doc) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	}

	return false
}

// Duration reads a field holding milliseconds.
func (d Doc) Duration(key string) time.Duration {
	return time.Duration(d.Int64(key)) * time.Millisecond
}

// Doc returns the named sub-document, or nil.
func (d Doc) Doc(key string) Doc {
	return AsDoc(d[key])
}

// Docs returns the named array of sub-documents. Elements which aren't
// documents are skipped.
func (d Doc) Docs(key string) []Doc {
	arr := d.Array(key)
	out := make([]Doc, 0, len(arr))
	for _, v := range arr {
		if dd := AsDoc(v); dd != nil {
			out = append(out, dd)
		}
	}

	return out
}

func (d Doc) Array(key string) []any {
	switch v := d[key].(type) {
	case []any:
		return v
	case []Doc:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}

	return nil
}

func (d Doc) Strings(key string) []string {
	arr := d.Array(key)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// AsDoc converts v to a Doc if it is one (or a plain map), otherwise nil.
func AsDoc(v any) Doc {
	switch vv := v.(type) {
	case Doc:
		return vv
	case map[string]any:
		return Doc(vv)
	}

	return nil
}

// Without returns a shallow copy of the doc minus the given keys. This is how
// typed decoders compute their Extra bucket.
func (d Doc) Without(keys ...string) Doc {
	skip := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		skip[k] = struct{}{}
	}

	out := Doc{}
	for k, v := range d {
		if _, ok := skip[k]; !ok {
			out[k] = v
		}
	}

	return out
}

// Merge copies every field of other into d which isn't already present.
func (d Doc) Merge(other Doc) Doc {
	for k, v := range other {
		if _, ok := d[k]; !ok {
			d[k] = v
		}
	}

	return d
}

// LogString renders the doc with sorted keys, for stable log and test output.
func (d Doc) LogString() string {
	var sb strings.Builder
	writeValue(&sb, d)
	return sb.String()
}

func writeValue(sb *strings.Builder, v any) {
	switch vv := v.(type) {
	case Doc:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			writeValue(sb, vv[k])
		}
		sb.WriteString("}")

	case map[string]any:
		writeValue(sb, Doc(vv))

	case []Doc:
		arr := make([]any, len(vv))
		for i := range vv {
			arr[i] = vv[i]
		}
		writeValue(sb, arr)

	case []any:
		sb.WriteString("[")
		for i := range vv {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(sb, vv[i])
		}
		sb.WriteString("]")

	case string:
		fmt.Fprintf(sb, "%q", vv)

	case float64:
		if vv == float64(int64(vv)) {
			fmt.Fprintf(sb, "%d", int64(vv))
		} else {
			fmt.Fprintf(sb, "%v", vv)
		}

	default:
		fmt.Fprintf(sb, "%v", vv)
	}
}
