// Package attrbag implements the tagged-variant attribute value model that
// spec.md §9 calls for in place of dynamic dispatch on a value tag: every
// value flowing through the wire protocol, the destination catalog, and job
// records is one of a closed set of kinds, matched exhaustively rather than
// switched on a string or void pointer.
package attrbag

import (
	"fmt"
	"time"
)

// Kind identifies which field of a Value is populated.
type Kind int

const (
	KindInteger Kind = iota
	KindBoolean
	KindEnum
	KindRange
	KindResolution
	KindDate
	KindString
	KindNameWithLanguage
	KindCollection
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindEnum:
		return "enum"
	case KindRange:
		return "range"
	case KindResolution:
		return "resolution"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	case KindNameWithLanguage:
		return "name-with-language"
	case KindCollection:
		return "collection"
	case KindSet:
		return "set"
	default:
		return "unknown"
	}
}

// IntRange is an inclusive [Lower, Upper] integer range, e.g. page-ranges.
type IntRange struct {
	Lower, Upper int
}

// Resolution is a printer resolution value, e.g. 600x600 dpi.
type Resolution struct {
	X, Y  int
	Units string // "dpi" or "dpcm"
}

// NameWithLanguage pairs a display name with an optional language tag.
type NameWithLanguage struct {
	Name     string
	Language string
}

// Value is a closed sum type over the attribute kinds a print-request
// protocol needs to represent. Exactly one field is meaningful for a given
// Kind; renderers and comparators must switch exhaustively on Kind rather
// than probe fields.
type Value struct {
	kind       Kind
	intVal     int
	boolVal    bool
	strVal     string
	rangeVal   IntRange
	resVal     Resolution
	dateVal    time.Time
	nwlVal     NameWithLanguage
	collection map[string]Value
	set        []Value
}

func Integer(v int) Value            { return Value{kind: KindInteger, intVal: v} }
func Boolean(v bool) Value           { return Value{kind: KindBoolean, boolVal: v} }
func Enum(v string) Value            { return Value{kind: KindEnum, strVal: v} }
func Str(v string) Value             { return Value{kind: KindString, strVal: v} }
func Range(lo, hi int) Value         { return Value{kind: KindRange, rangeVal: IntRange{lo, hi}} }
func Res(x, y int, units string) Value {
	return Value{kind: KindResolution, resVal: Resolution{x, y, units}}
}
func Date(v time.Time) Value { return Value{kind: KindDate, dateVal: v.UTC()} }
func NameLang(name, lang string) Value {
	return Value{kind: KindNameWithLanguage, nwlVal: NameWithLanguage{name, lang}}
}
func Collection(fields map[string]Value) Value {
	return Value{kind: KindCollection, collection: fields}
}
func Set(values ...Value) Value { return Value{kind: KindSet, set: values} }

// Kind returns which variant is populated.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer value; panics if Kind() != KindInteger.
func (v Value) Int() int {
	v.mustBe(KindInteger)
	return v.intVal
}

// Bool returns the boolean value; panics if Kind() != KindBoolean.
func (v Value) Bool() bool {
	v.mustBe(KindBoolean)
	return v.boolVal
}

// String returns the string value for enum, string, and collection-free
// variants; implements fmt.Stringer for logging.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return fmt.Sprintf("%d", v.intVal)
	case KindBoolean:
		return fmt.Sprintf("%t", v.boolVal)
	case KindEnum, KindString:
		return v.strVal
	case KindRange:
		return fmt.Sprintf("%d-%d", v.rangeVal.Lower, v.rangeVal.Upper)
	case KindResolution:
		return fmt.Sprintf("%dx%d%s", v.resVal.X, v.resVal.Y, v.resVal.Units)
	case KindDate:
		return v.dateVal.Format(time.RFC3339Nano)
	case KindNameWithLanguage:
		return fmt.Sprintf("%s[%s]", v.nwlVal.Name, v.nwlVal.Language)
	case KindCollection:
		return fmt.Sprintf("collection(%d fields)", len(v.collection))
	case KindSet:
		return fmt.Sprintf("set(%d values)", len(v.set))
	default:
		return "?"
	}
}

// RawString returns the plain enum/string payload without panicking on other
// kinds, returning "" instead — useful for best-effort logging.
func (v Value) RawString() string {
	if v.kind == KindEnum || v.kind == KindString {
		return v.strVal
	}
	return ""
}

// IntRangeVal returns the range payload; panics if Kind() != KindRange.
func (v Value) IntRangeVal() IntRange {
	v.mustBe(KindRange)
	return v.rangeVal
}

// ResolutionVal returns the resolution payload; panics if Kind() != KindResolution.
func (v Value) ResolutionVal() Resolution {
	v.mustBe(KindResolution)
	return v.resVal
}

// Time returns the date payload; panics if Kind() != KindDate.
func (v Value) Time() time.Time {
	v.mustBe(KindDate)
	return v.dateVal
}

// Fields returns the collection payload; panics if Kind() != KindCollection.
func (v Value) Fields() map[string]Value {
	v.mustBe(KindCollection)
	return v.collection
}

// Values returns the set payload; panics if Kind() != KindSet.
func (v Value) Values() []Value {
	v.mustBe(KindSet)
	return v.set
}

func (v Value) mustBe(k Kind) {
	if v.kind != k {
		panic(fmt.Sprintf("attrbag: Value is %s, not %s", v.kind, k))
	}
}
