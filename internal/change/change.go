// Package change provides an equality-gated value cell used to suppress
// redundant downstream events.
package change

// Tracker holds a value and reports whether an assignment actually changed it.
type Tracker[T comparable] struct {
	value T
}

// New creates a Tracker holding v.
func New[T comparable](v T) *Tracker[T] {
	return &Tracker[T]{value: v}
}

// Set stores v and returns true if it differs from the stored value.
func (t *Tracker[T]) Set(v T) bool {
	if t.value == v {
		return false
	}
	t.value = v
	return true
}

// Value returns the stored value.
func (t *Tracker[T]) Value() T {
	return t.value
}
