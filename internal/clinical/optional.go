package clinical

import (
	"bytes"
	"encoding/json"
)

// Optional holds a value that may be absent. Callers must go through Get,
// which forces the missing case to be handled explicitly.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Present reports whether a value is held.
func (o Optional[T]) Present() bool {
	return o.ok
}

// OrElse returns the value or fallback when absent.
func (o Optional[T]) OrElse(fallback T) T {
	if o.ok {
		return o.value
	}
	return fallback
}

// SomeString returns Some(s) for non-blank strings and None otherwise.
func SomeString(s string) Optional[string] {
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return None[string]()
	}
	return Some(s)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON treats null as absent. For strings a blank value is absent
// too, matching SomeString.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if s, ok := any(v).(string); ok {
		*o = any(SomeString(s)).(Optional[T])
		return nil
	}
	*o = Some(v)
	return nil
}
