package subscription

// Key is an exchange assigned correlation identifier. It is unique only
// within the lifetime of one socket.
type Key string

type entry[InstrumentKey any] struct {
	instrument InstrumentKey
	confirmed  bool
}

// Map correlates exchange keys with caller instrument keys. Entries are seeded
// unconfirmed by a Mapper, confirmed one by one by a Validator and the map is
// frozen before it is handed to the caller. A Map is owned by a single
// subscribe invocation and is not safe for concurrent mutation.
type Map[InstrumentKey any] struct {
	entries map[Key]*entry[InstrumentKey]
	order   []Key
	pending int
	frozen  bool
}

func NewMap[InstrumentKey any]() *Map[InstrumentKey] {
	return &Map[InstrumentKey]{entries: make(map[Key]*entry[InstrumentKey])}
}

// Seed registers an expected key. It reports false when the key is already
// present or the map is frozen.
func (m *Map[InstrumentKey]) Seed(key Key, instrument InstrumentKey) bool {
	if m.frozen {
		return false
	}
	if _, ok := m.entries[key]; ok {
		return false
	}
	m.entries[key] = &entry[InstrumentKey]{instrument: instrument}
	m.order = append(m.order, key)
	m.pending++
	return true
}

// Confirm marks key as confirmed. confirmed is true only when this call moved
// the entry from pending to confirmed; known reports whether the key exists.
func (m *Map[InstrumentKey]) Confirm(key Key) (confirmed bool, known bool) {
	e, ok := m.entries[key]
	if !ok {
		return false, false
	}
	if e.confirmed || m.frozen {
		return false, true
	}
	e.confirmed = true
	m.pending--
	return true, true
}

func (m *Map[InstrumentKey]) IsPending(key Key) bool {
	e, ok := m.entries[key]
	return ok && !e.confirmed
}

func (m *Map[InstrumentKey]) IsConfirmed(key Key) bool {
	e, ok := m.entries[key]
	return ok && e.confirmed
}

func (m *Map[InstrumentKey]) Pending() int { return m.pending }

func (m *Map[InstrumentKey]) Len() int { return len(m.entries) }

// Complete reports whether every seeded key has been confirmed.
func (m *Map[InstrumentKey]) Complete() bool { return m.pending == 0 }

// Keys returns the keys in seed order.
func (m *Map[InstrumentKey]) Keys() []Key {
	out := make([]Key, len(m.order))
	copy(out, m.order)
	return out
}

// PendingKeys returns the unconfirmed keys in seed order.
func (m *Map[InstrumentKey]) PendingKeys() []Key {
	out := make([]Key, 0, m.pending)
	for _, k := range m.order {
		if !m.entries[k].confirmed {
			out = append(out, k)
		}
	}
	return out
}

// Find resolves a correlation key to the caller's instrument key.
func (m *Map[InstrumentKey]) Find(key Key) (InstrumentKey, error) {
	e, ok := m.entries[key]
	if !ok {
		var zero InstrumentKey
		return zero, &Error{Kind: Unidentifiable, Key: key, Reason: "correlation key not present in map"}
	}
	return e.instrument, nil
}

// Freeze stops further mutation and returns the map for chaining.
func (m *Map[InstrumentKey]) Freeze() *Map[InstrumentKey] {
	m.frozen = true
	return m
}

func (m *Map[InstrumentKey]) Frozen() bool { return m.frozen }

// Meta is the output of a Mapper: the seeded map plus the wire requests to
// transmit, in order.
type Meta[InstrumentKey any, Request any] struct {
	Map      *Map[InstrumentKey]
	Requests []Request
}
