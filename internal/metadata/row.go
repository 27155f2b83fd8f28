// Package metadata holds the row model exchanged with Xmipp and its STAR file format.
package metadata

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingField means the label is absent from the row. Callers treat it as
	// "feature not available" rather than as a zero value.
	ErrMissingField = errors.New("missing metadata field")
	// ErrTypeMismatch means a value does not match the label's declared type.
	ErrTypeMismatch = errors.New("metadata type mismatch")
)

// Row is an ordered mapping from labels to typed values.
type Row struct {
	order  []Label
	values map[Label]any
}

// NewRow returns an empty row.
func NewRow() *Row {
	return &Row{values: make(map[Label]any)}
}

// Set stores v under l. Floats accept float64/float32, ints accept any Go
// integer, strings string, bools bool. Anything else is a type mismatch.
func (r *Row) Set(l Label, v any) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %v", ErrUnknownLabel, l)
	}
	nv, ok := normalize(l.Type(), v)
	if !ok {
		return fmt.Errorf("%w: %s expects %s, got %T", ErrTypeMismatch, l.Name(), l.Type(), v)
	}
	if _, exists := r.values[l]; !exists {
		r.order = append(r.order, l)
	}
	r.values[l] = nv
	return nil
}

func normalize(t ValueType, v any) (any, bool) {
	switch t {
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		case int64:
			return x, true
		case uint32:
			return int64(x), true
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, true
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return nil, false
}

// Get returns the stored value and whether it is present.
func (r *Row) Get(l Label) (any, bool) {
	v, ok := r.values[l]
	return v, ok
}

// Has reports whether l is present.
func (r *Row) Has(l Label) bool {
	_, ok := r.values[l]
	return ok
}

// HasAll reports whether every label is present.
func (r *Row) HasAll(labels ...Label) bool {
	for _, l := range labels {
		if !r.Has(l) {
			return false
		}
	}
	return true
}

// Remove deletes l. Removing an absent label is a no-op.
func (r *Row) Remove(l Label) {
	if _, ok := r.values[l]; !ok {
		return
	}
	delete(r.values, l)
	for i, x := range r.order {
		if x == l {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Labels returns the present labels in insertion order.
func (r *Row) Labels() []Label {
	out := make([]Label, len(r.order))
	copy(out, r.order)
	return out
}

// Len is the number of present labels.
func (r *Row) Len() int { return len(r.order) }

func (r *Row) typed(l Label, want ValueType) (any, error) {
	if l.Type() != want {
		return nil, fmt.Errorf("%w: %s is %s, read as %s", ErrTypeMismatch, l.Name(), l.Type(), want)
	}
	v, ok := r.values[l]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, l.Name())
	}
	return v, nil
}

// GetFloat reads a float label.
func (r *Row) GetFloat(l Label) (float64, error) {
	v, err := r.typed(l, TypeFloat)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetInt reads an int label.
func (r *Row) GetInt(l Label) (int64, error) {
	v, err := r.typed(l, TypeInt)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetString reads a string label.
func (r *Row) GetString(l Label) (string, error) {
	v, err := r.typed(l, TypeString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetBool reads a bool label.
func (r *Row) GetBool(l Label) (bool, error) {
	v, err := r.typed(l, TypeBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Clone returns a deep copy.
func (r *Row) Clone() *Row {
	c := &Row{order: r.Labels(), values: make(map[Label]any, len(r.values))}
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Equal compares labels, order and values.
func (r *Row) Equal(o *Row) bool {
	if r.Len() != o.Len() {
		return false
	}
	for i, l := range r.order {
		if o.order[i] != l || r.values[l] != o.values[l] {
			return false
		}
	}
	return true
}

// Map exposes the row keyed by column name, used by JSON and gRPC encoders.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.order))
	for _, l := range r.order {
		m[l.Name()] = r.values[l]
	}
	return m
}

// Describe renders "label=value" pairs in order, for logs.
func (r *Row) Describe() string {
	parts := make([]string, 0, len(r.order))
	for _, l := range r.order {
		parts = append(parts, fmt.Sprintf("%s=%v", l.Name(), r.values[l]))
	}
	return strings.Join(parts, " ")
}
