package sync

import "sync"

// Resolver looks up a referenced object by type name and id. A nil
// result with a nil error is a confirmed negative.
type Resolver interface {
	Resolve(typeName string, id int64) (interface{}, error)
}

type bagKey struct {
	typeName string
	id       int64
}

// nilObject marks a cached confirmed-negative lookup, distinct from the
// key being absent from the bag.
var nilObject = new(struct{})

// ObjectBag caches resolved referenced objects for the duration of one
// incoming batch, so the same (type, id) pair is looked up at most once
// while deserializing. Never persisted.
type ObjectBag struct {
	resolver Resolver

	mu      sync.Mutex
	objects map[bagKey]interface{}
	lookups int
}

// NewObjectBag wraps a resolver with a per-batch cache.
func NewObjectBag(resolver Resolver) *ObjectBag {
	return &ObjectBag{
		resolver: resolver,
		objects:  make(map[bagKey]interface{}),
	}
}

// Resolve returns the object for (typeName, id), consulting the
// underlying resolver only on the first request for the pair. Confirmed
// negatives are cached too.
func (b *ObjectBag) Resolve(typeName string, id int64) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bagKey{typeName: typeName, id: id}
	if cached, ok := b.objects[key]; ok {
		if cached == nilObject {
			return nil, nil
		}
		return cached, nil
	}

	b.lookups++
	obj, err := b.resolver.Resolve(typeName, id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		b.objects[key] = nilObject
		return nil, nil
	}
	b.objects[key] = obj
	return obj, nil
}

// Lookups returns how many underlying resolver calls were made.
func (b *ObjectBag) Lookups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookups
}

// Clear empties the bag at the end of a batch.
func (b *ObjectBag) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = make(map[bagKey]interface{})
}
