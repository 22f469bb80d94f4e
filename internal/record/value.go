package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind enumerates the closed set of field value types.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a schema-less field value with a closed variant set. The zero
// Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value               { return Value{} }
func String(s string) Value     { return Value{kind: KindString, str: s} }
func Number(n float64) Value    { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func List(vs ...Value) Value    { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) StringVal() (string, bool) { return v.str, v.kind == KindString }
func (v Value) NumberVal() (float64, bool) {
	return v.num, v.kind == KindNumber
}
func (v Value) BoolVal() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) ListVal() ([]Value, bool)   { return v.list, v.kind == KindList }
func (v Value) MapVal() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}

func (v Value) IsNull() bool { return v.kind == KindNull }

// IsEmpty reports whether the value carries no information: null, an empty
// string, or an empty list/map. Numbers and bools are never empty.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	case KindMap:
		return len(v.m) == 0
	default:
		return false
	}
}

// AsTime interprets the value as a timestamp: a number is epoch
// milliseconds, a string is parsed as RFC 3339 (with or without sub-second
// precision). Returns false when the value cannot be interpreted as a time.
func (v Value) AsTime() (time.Time, bool) {
	switch v.kind {
	case KindNumber:
		ms := int64(v.num)
		return time.UnixMilli(ms).UTC(), true
	case KindString:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v.str); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for k, val := range v.m {
			o, ok := other.m[k]
			if !ok || !val.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) clone() Value {
	out := v
	if v.list != nil {
		out.list = make([]Value, len(v.list))
		for i := range v.list {
			out.list[i] = v.list[i].clone()
		}
	}
	if v.m != nil {
		out.m = make(map[string]Value, len(v.m))
		for k, val := range v.m {
			out.m[k] = val.clone()
		}
	}
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case bool:
		return Bool(x), nil
	case []any:
		vs := make([]Value, len(x))
		for i, item := range x {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return List(vs...), nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}
