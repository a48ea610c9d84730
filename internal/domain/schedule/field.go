package schedule

import (
	"encoding/json"
	"time"
)

// NotAvailable is what a field serializes to when the connected schema has no
// column for it. It is deliberately not JSON null: null means the column
// exists but holds no value for this row.
const NotAvailable = "N/A"

type fieldState uint8

const (
	stateNotAvailable fieldState = iota
	stateNull
	stateValue
)

// Field is an optional record value with three states: not available in this
// schema version, null in the database, or a value. The zero Field is not
// available.
type Field[T any] struct {
	value T
	state fieldState
}

func Value[T any](v T) Field[T] {
	return Field[T]{value: v, state: stateValue}
}

func Null[T any]() Field[T] {
	return Field[T]{state: stateNull}
}

func Unavailable[T any]() Field[T] {
	return Field[T]{}
}

// FromPtr maps a scanned nullable column: nil is null, anything else a value.
func FromPtr[T any](p *T) Field[T] {
	if p == nil {
		return Null[T]()
	}
	return Value(*p)
}

// Column is FromPtr for a column that may be missing from the schema.
func Column[T any](available bool, p *T) Field[T] {
	if !available {
		return Unavailable[T]()
	}
	return FromPtr(p)
}

func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == stateValue
}

func (f Field[T]) IsAvailable() bool { return f.state != stateNotAvailable }
func (f Field[T]) IsNull() bool      { return f.state == stateNull }

func (f Field[T]) MarshalJSON() ([]byte, error) {
	switch f.state {
	case stateValue:
		return json.Marshal(f.value)
	case stateNull:
		return []byte("null"), nil
	default:
		return json.Marshal(NotAvailable)
	}
}

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format(time.DateOnly)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}
