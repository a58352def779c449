package attrbag

import (
	"sort"

	"github.com/uber-go/mapdecode"
)

// Bag is the wire's named-attribute-bag: an unordered collection of named
// Values, exactly the shape §6's abstract decode-request/encode-response
// operations hand to and receive from the rest of the system.
type Bag map[string]Value

// Native flattens a Bag into the untyped map[string]interface{} shape the
// external codec and mapdecode both expect.
func (b Bag) Native() map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		out[k] = nativeValue(v)
	}
	return out
}

func nativeValue(v Value) interface{} {
	switch v.Kind() {
	case KindInteger:
		return v.Int()
	case KindBoolean:
		return v.Bool()
	case KindEnum, KindString:
		return v.RawString()
	case KindCollection:
		fields := v.Fields()
		out := make(map[string]interface{}, len(fields))
		for k, fv := range fields {
			out[k] = nativeValue(fv)
		}
		return out
	case KindSet:
		values := v.Values()
		out := make([]interface{}, len(values))
		for i, sv := range values {
			out[i] = nativeValue(sv)
		}
		return out
	default:
		return v.String()
	}
}

// FromNative builds a Bag from the codec's untyped attribute map, the
// reverse of Native: strings become Str, bools Boolean, numbers Integer,
// and slices Set. Any other value, a nested map included, is dropped
// rather than guessed at.
func FromNative(m map[string]interface{}) Bag {
	out := make(Bag, len(m))
	for k, v := range m {
		if val, ok := nativeToValue(v); ok {
			out[k] = val
		}
	}
	return out
}

func nativeToValue(v interface{}) (Value, bool) {
	switch t := v.(type) {
	case string:
		return Str(t), true
	case bool:
		return Boolean(t), true
	case int:
		return Integer(t), true
	case float64:
		return Integer(int(t)), true
	case []interface{}:
		values := make([]Value, 0, len(t))
		for _, e := range t {
			if val, ok := nativeToValue(e); ok {
				values = append(values, val)
			}
		}
		return Set(values...), true
	default:
		return Value{}, false
	}
}

// Decode unmarshals the bag into dst using mapdecode, matching attribute
// names to struct fields via the "attr" tag and ignoring attributes that
// match no field. The request handlers read attributes from the bag
// directly and do not go through Decode.
func (b Bag) Decode(dst interface{}) error {
	return mapdecode.Decode(dst, b.Native(), mapdecode.TagName("attr"), mapdecode.IgnoreUnused(true))
}

// UnsupportedGroup renders the subset of requested names this bag cannot
// satisfy, in the attribute-echo shape §7 requires for Codec errors:
// "keep session, echo the offending attribute in an unsupported group".
func (b Bag) UnsupportedGroup(requested []string) []string {
	var unsupported []string
	for _, name := range requested {
		if _, ok := b[name]; !ok {
			unsupported = append(unsupported, name)
		}
	}
	sort.Strings(unsupported)
	return unsupported
}
