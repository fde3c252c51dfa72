package stream

import "reflect"

// Spec describes what to watch within one entity group. Implementations are
// owned by the caller and never mutated by the engine.
type Spec interface {
	// Group names the entity group this spec belongs to.
	Group() string

	// Equal reports whether the other spec asks for exactly the same data.
	Equal(other Spec) bool

	// Wire returns the spec's wire fields. The engine adds the "since"
	// cursor before transmission.
	Wire() map[string]any
}

// CollectionSpec subscribes to a whole server collection, optionally narrowed
// by opaque filter fields passed through to the server untouched.
type CollectionSpec struct {
	Collection string
	Filter     map[string]any
}

func (s CollectionSpec) Group() string { return s.Collection }

func (s CollectionSpec) Equal(other Spec) bool {
	o, ok := other.(CollectionSpec)
	return ok && s.Collection == o.Collection && reflect.DeepEqual(s.Filter, o.Filter)
}

func (s CollectionSpec) Wire() map[string]any {
	wire := make(map[string]any, len(s.Filter)+1)
	for k, v := range s.Filter {
		wire[k] = v
	}
	wire["collection"] = s.Collection
	return wire
}
