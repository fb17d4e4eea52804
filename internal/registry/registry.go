package registry

import "github.com/alphadose/haxmap"

// Registry is a concurrent map keyed by name.
type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T)
	GetOrAdd(name string, value func() T) (T, bool)
	Del(name string)
	Len() int
	ForEach(fn func(name string, value T) bool)
	Clear()
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(name, value)
}

// GetOrAdd returns the existing value for name, or stores the result of valueFn.
// The boolean reports whether the value was already present.
func (r *registry[T]) GetOrAdd(name string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(name, valueFn)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

// ForEach visits every entry until fn returns false.
func (r *registry[T]) ForEach(fn func(name string, value T) bool) {
	r.values.ForEach(fn)
}

func (r *registry[T]) Clear() {
	var names []string
	r.values.ForEach(func(name string, _ T) bool {
		names = append(names, name)
		return true
	})
	r.values.Del(names...)
}
