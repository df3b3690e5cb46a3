package ble

// Peripheral is a discovered BLE peripheral. Identity is the address.
type Peripheral struct {
	Address string
	Name    string
}

// Registry is the deduplicated set of peripherals seen in the current
// scan session, in first-seen order. It is not safe for concurrent use;
// the core's event loop owns it.
type Registry struct {
	index map[string]int
	items []Peripheral
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// RecordSighting inserts the peripheral if its address is new and reports
// whether it did. A later sighting never overwrites the first name.
func (r *Registry) RecordSighting(address, name string) bool {
	if _, ok := r.index[address]; ok {
		return false
	}
	if name == "" {
		name = unknownName
	}
	r.index[address] = len(r.items)
	r.items = append(r.items, Peripheral{Address: address, Name: name})
	return true
}

// Contains reports whether address is in the registry.
func (r *Registry) Contains(address string) bool {
	_, ok := r.index[address]
	return ok
}

// Snapshot returns a copy of the registry in insertion order.
func (r *Registry) Snapshot() []Peripheral {
	out := make([]Peripheral, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of peripherals.
func (r *Registry) Len() int { return len(r.items) }

// Clear empties the registry.
func (r *Registry) Clear() {
	clear(r.index)
	r.items = r.items[:0]
}
