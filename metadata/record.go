package metadata

import (
	"math"
	"strconv"
	"strings"

	"github.com/b71729/openmcd/core"
)

// Field is a single named value within a `Record`
type Field struct {
	Name  string
	Value string
}

// Record is a generic element of the metadata document: one direct child of
// the `MCDSchema` root, with its child elements as ordered fields.
// Every element kind is kept as a `Record`, including kinds with no typed view.
type Record struct {
	Kind   string
	Fields []Field
	index  map[string]int
}

func newRecord(kind string) *Record {
	return &Record{Kind: kind, index: make(map[string]int)}
}

// set stores `value` under `name`. A repeated field keeps its first position and last value.
func (r *Record) set(name, value string) {
	if i, found := r.index[name]; found {
		r.Fields[i].Value = value
		return
	}
	r.index[name] = len(r.Fields)
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// Lookup returns the value of the field `name`
func (r *Record) Lookup(name string) (string, bool) {
	i, found := r.index[name]
	if !found {
		return "", false
	}
	return r.Fields[i].Value, true
}

// Value returns the value of the field `name`, or "" if absent
func (r *Record) Value(name string) string {
	v, _ := r.Lookup(name)
	return v
}

// Has returns whether the field `name` is present
func (r *Record) Has(name string) bool {
	_, found := r.index[name]
	return found
}

/*
===============================================================================
    Typed field access
===============================================================================
*/

// fieldReader converts record fields to typed values, keeping the first failure.
type fieldReader struct {
	rec *Record
	id  int
	err error
}

func newFieldReader(rec *Record) *fieldReader {
	return &fieldReader{rec: rec, id: -1}
}

func (f *fieldReader) fail(format string, a ...interface{}) {
	if f.err == nil {
		f.err = core.MetadataErrorf(f.rec.Kind, f.id, format, a...)
	}
}

// raw returns the trimmed value, with `ok` false when the field is absent or blank
func (f *fieldReader) raw(name string) (string, bool) {
	v, found := f.rec.Lookup(name)
	v = strings.TrimSpace(v)
	return v, found && v != ""
}

func parseInt64(s string) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	// some writers emit integral values as "12.0"
	if v, err := strconv.ParseFloat(s, 64); err == nil && v == math.Trunc(v) && !math.IsInf(v, 0) {
		return int64(v), true
	}
	return 0, false
}

func (f *fieldReader) int64Value(name string, required bool, def int64) int64 {
	s, ok := f.raw(name)
	if !ok {
		if required {
			f.fail("missing required field %s", name)
		}
		return def
	}
	v, ok := parseInt64(s)
	if !ok {
		f.fail("field %s is not an integer: %q", name, s)
		return def
	}
	return v
}

func (f *fieldReader) requiredInt(name string) int {
	return int(f.int64Value(name, true, 0))
}

func (f *fieldReader) optionalInt(name string, def int) int {
	return int(f.int64Value(name, false, int64(def)))
}

func (f *fieldReader) requiredInt64(name string) int64 {
	return f.int64Value(name, true, 0)
}

func (f *fieldReader) optionalInt64(name string, def int64) int64 {
	return f.int64Value(name, false, def)
}

func (f *fieldReader) floatValue(name string, required bool, def float64) float64 {
	s, ok := f.raw(name)
	if !ok {
		if required {
			f.fail("missing required field %s", name)
		}
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f.fail("field %s is not a number: %q", name, s)
		return def
	}
	return v
}

func (f *fieldReader) requiredFloat(name string) float64 {
	return f.floatValue(name, true, 0)
}

func (f *fieldReader) optionalFloat(name string, def float64) float64 {
	return f.floatValue(name, false, def)
}

func (f *fieldReader) optionalBool(name string, def bool) bool {
	s, ok := f.raw(name)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		f.fail("field %s is not a boolean: %q", name, s)
		return def
	}
	return v
}

func (f *fieldReader) requiredString(name string) string {
	s, ok := f.raw(name)
	if !ok {
		f.fail("missing required field %s", name)
	}
	return s
}

// str returns the untrimmed value, "" when absent
func (f *fieldReader) str(name string) string {
	return f.rec.Value(name)
}
