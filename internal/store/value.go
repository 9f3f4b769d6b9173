// ABOUTME: Parameter codec converting Go values to bound parameters and result columns back
// ABOUTME: Closed value-kind set (null, text, integer, real, bool, timestamp, blob), fail-fast on others

package store

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the single textual timestamp format written to the store.
// Values are always UTC so lexical order of the raw column matches
// chronological order.
const TimeLayout = "2006-01-02 15:04:05"

// Kind identifies which member of the closed value set a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindText
	KindInteger
	KindReal
	KindBool
	KindTime
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	case KindBlob:
		return "blob"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single parameter or result column.
type Value struct {
	kind Kind
	text string
	num  int64
	real float64
	blob []byte
	ts   time.Time
}

// Null returns the null value.
func Null() Value { return Value{} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Int wraps a signed 64-bit integer.
func Int(i int64) Value { return Value{kind: KindInteger, num: i} }

// Real wraps a double-precision float.
func Real(f float64) Value { return Value{kind: KindReal, real: f} }

// Bool wraps a boolean. It is bound as 0 or 1.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Time wraps a timestamp. It is truncated to whole seconds and normalised to UTC.
func Time(t time.Time) Value {
	return Value{kind: KindTime, ts: t.UTC().Truncate(time.Second)}
}

// Blob wraps binary data.
func Blob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// ValueOf converts a native Go value into a Value. Pointers to supported
// scalar types are accepted and a nil pointer maps to Null. Any other type
// yields an *UnsupportedTypeError.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return Text(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, &UnsupportedTypeError{Index: -1, Type: "uint", Reason: "overflows int64"}
		}
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, &UnsupportedTypeError{Index: -1, Type: "uint64", Reason: "overflows int64"}
		}
		return Int(int64(x)), nil
	case float32:
		return Real(float64(x)), nil
	case float64:
		return Real(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Time(x), nil
	case []byte:
		return Blob(x), nil
	case *string:
		if x == nil {
			return Null(), nil
		}
		return Text(*x), nil
	case *int64:
		if x == nil {
			return Null(), nil
		}
		return Int(*x), nil
	case *float64:
		if x == nil {
			return Null(), nil
		}
		return Real(*x), nil
	case *bool:
		if x == nil {
			return Null(), nil
		}
		return Bool(*x), nil
	case *time.Time:
		if x == nil {
			return Null(), nil
		}
		return Time(*x), nil
	default:
		return Value{}, &UnsupportedTypeError{Index: -1, Type: fmt.Sprintf("%T", v)}
	}
}

// Kind reports the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// bind returns the driver-level representation used as a bound parameter.
func (v Value) bind() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindInteger, KindBool:
		return v.num
	case KindReal:
		return v.real
	case KindTime:
		return v.ts.Format(TimeLayout)
	case KindBlob:
		return v.blob
	default:
		return nil
	}
}

// AsText returns text values, and blobs interpreted as UTF-8.
func (v Value) AsText() (string, error) {
	switch v.kind {
	case KindText:
		return v.text, nil
	case KindBlob:
		return string(v.blob), nil
	default:
		return "", v.mismatch(KindText)
	}
}

// AsInt64 returns integer values; booleans convert to 0 or 1.
func (v Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindInteger, KindBool:
		return v.num, nil
	default:
		return 0, v.mismatch(KindInteger)
	}
}

// AsFloat64 returns real values; integers are widened.
func (v Value) AsFloat64() (float64, error) {
	switch v.kind {
	case KindReal:
		return v.real, nil
	case KindInteger:
		return float64(v.num), nil
	default:
		return 0, v.mismatch(KindReal)
	}
}

// AsBool returns boolean values; integers 0 and 1 are accepted.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.num != 0, nil
	case KindInteger:
		if v.num != 0 && v.num != 1 {
			return false, fmt.Errorf("%w: integer %d is not a boolean", ErrKindMismatch, v.num)
		}
		return v.num == 1, nil
	default:
		return false, v.mismatch(KindBool)
	}
}

// AsTime returns timestamp values; text in TimeLayout (or RFC 3339) is parsed.
func (v Value) AsTime() (time.Time, error) {
	switch v.kind {
	case KindTime:
		return v.ts, nil
	case KindText:
		return parseTime(v.text)
	default:
		return time.Time{}, v.mismatch(KindTime)
	}
}

// AsBytes returns blob values; text is returned as its bytes.
func (v Value) AsBytes() ([]byte, error) {
	switch v.kind {
	case KindBlob:
		return v.blob, nil
	case KindText:
		return []byte(v.text), nil
	default:
		return nil, v.mismatch(KindBlob)
	}
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindText:
		return v.text
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindReal:
		return strconv.FormatFloat(v.real, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindTime:
		return v.ts.Format(TimeLayout)
	case KindBlob:
		return fmt.Sprintf("<%d bytes>", len(v.blob))
	default:
		return v.kind.String()
	}
}

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("%w: want %s, have %s", ErrKindMismatch, want, v.kind)
}

// bindParams converts caller parameters into driver arguments.
func bindParams(params []any) ([]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	args := make([]any, len(params))
	for i, p := range params {
		v, err := ValueOf(p)
		if err != nil {
			var ute *UnsupportedTypeError
			if errors.As(err, &ute) {
				ute.Index = i
			}
			return nil, err
		}
		args[i] = v.bind()
	}
	return args, nil
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrKindMismatch, s)
}

// decodeColumn maps a raw driver value to a Value, using the declared column
// type to recover booleans and timestamps that SQLite stores as integers and text.
func decodeColumn(raw any, declType string) (Value, error) {
	decl := strings.ToUpper(declType)

	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case int64:
		if isBoolDecl(decl) {
			return Bool(x != 0), nil
		}
		return Int(x), nil
	case float64:
		return Real(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Time(x), nil
	case string:
		return decodeText(x, decl)
	case []byte:
		if isTimeDecl(decl) || isTextDecl(decl) {
			return decodeText(string(x), decl)
		}
		b := make([]byte, len(x))
		copy(b, x)
		return Blob(b), nil
	default:
		return Value{}, &UnsupportedTypeError{Index: -1, Type: fmt.Sprintf("%T", raw), Reason: "unexpected driver value"}
	}
}

func decodeText(s, decl string) (Value, error) {
	if isTimeDecl(decl) {
		t, err := parseTime(s)
		if err != nil {
			return Value{}, err
		}
		return Time(t), nil
	}
	return Text(s), nil
}

func isBoolDecl(decl string) bool {
	return decl == "BOOLEAN" || decl == "BOOL"
}

func isTimeDecl(decl string) bool {
	return decl == "TIMESTAMP" || decl == "DATETIME" || decl == "DATE"
}

func isTextDecl(decl string) bool {
	return strings.Contains(decl, "CHAR") || strings.Contains(decl, "CLOB") || strings.Contains(decl, "TEXT")
}

// Row is one result row keyed by column name.
type Row map[string]Value

// Get returns the named column, or Null when the column is absent.
func (r Row) Get(col string) Value {
	if v, ok := r[col]; ok {
		return v
	}
	return Null()
}
