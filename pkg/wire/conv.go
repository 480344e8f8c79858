package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a Doc into its protobuf form.
func ToStruct(d Doc) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(d))}
	for k, v := range d {
		pv, err := ToValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out.Fields[k] = pv
	}

	return out, nil
}

// ToValue converts a single document value. This is a superset of
// structpb.NewValue which also understands Doc and a few common slices.
func ToValue(v any) (*structpb.Value, error) {
	switch vv := v.(type) {
	case Doc:
		s, err := ToStruct(vv)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil

	case map[string]any:
		return ToValue(Doc(vv))

	case []Doc:
		vals := make([]*structpb.Value, len(vv))
		for i := range vv {
			pv, err := ToValue(vv[i])
			if err != nil {
				return nil, err
			}
			vals[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil

	case []any:
		vals := make([]*structpb.Value, len(vv))
		for i := range vv {
			pv, err := ToValue(vv[i])
			if err != nil {
				return nil, err
			}
			vals[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil

	case []string:
		vals := make([]*structpb.Value, len(vv))
		for i := range vv {
			vals[i] = structpb.NewStringValue(vv[i])
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil

	case []int64:
		vals := make([]*structpb.Value, len(vv))
		for i := range vv {
			vals[i] = structpb.NewNumberValue(float64(vv[i]))
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil

	case map[string]string:
		d := make(Doc, len(vv))
		for k, s := range vv {
			d[k] = s
		}
		return ToValue(d)

	case time.Duration:
		return structpb.NewNumberValue(float64(vv.Milliseconds())), nil

	case fmt.Stringer:
		return structpb.NewStringValue(vv.String()), nil
	}

	return structpb.NewValue(v)
}

// FromStruct converts the protobuf form back into a Doc. Nested structs become
// Docs, lists become []any, and all numbers become float64.
func FromStruct(s *structpb.Struct) Doc {
	if s == nil {
		return Doc{}
	}

	out := make(Doc, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = FromValue(v)
	}

	return out
}

func FromValue(v *structpb.Value) any {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		return FromStruct(k.StructValue)

	case *structpb.Value_ListValue:
		vals := k.ListValue.GetValues()
		out := make([]any, len(vals))
		for i := range vals {
			out[i] = FromValue(vals[i])
		}
		return out

	case *structpb.Value_NumberValue:
		return k.NumberValue

	case *structpb.Value_StringValue:
		return k.StringValue

	case *structpb.Value_BoolValue:
		return k.BoolValue
	}

	return nil
}

// Normalize round-trips a Doc through its wire form, so that values compare
// equal to ones which were decoded off the wire (ints become float64, etc).
func Normalize(d Doc) (Doc, error) {
	s, err := ToStruct(d)
	if err != nil {
		return nil, err
	}

	return FromStruct(s), nil
}

// MustNormalize is Normalize for literals in tests and fixtures.
func MustNormalize(d Doc) Doc {
	out, err := Normalize(d)
	if err != nil {
		panic(fmt.Sprintf("can't normalize doc: %v", err))
	}

	return out
}
