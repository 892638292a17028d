package device

import "sync"

// Entry is the mutable per-device state visible inside a Table
// critical section: the authoritative record plus the ephemeral
// usage cursor (nil until the first volume delta).
type Entry struct {
	Record *Record
	Cursor *UsageCursor
}

// Table is the keyed in-memory state table for all devices.
//
// Every mutation of a device's state runs inside With, which holds a
// lock private to that device: concurrent event sources (transport
// messages, the liveness sweep, the usage checkpoint, administrative
// calls) are serialized per device while unrelated devices proceed in
// parallel. There is no global lock around device state, only a short
// one around the slot map itself.
type Table struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu    sync.Mutex
	entry Entry
}

// NewTable creates an empty device state table.
func NewTable() *Table {
	return &Table{
		slots: make(map[string]*slot),
	}
}

// Load seeds the table from persisted records, typically at startup.
// Existing slots for the same IDs are replaced.
func (t *Table) Load(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range records {
		rec := records[i].DeepCopy()
		t.slots[rec.ID] = &slot{entry: Entry{Record: rec}}
	}
}

// With runs fn while holding the named device's lock, creating the
// device (auto-provisioning) if it does not exist yet. fn must not
// call back into the Table for the same device.
func (t *Table) With(id string, fn func(*Entry)) {
	s := t.slot(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entry)
}

// WithExisting runs fn under the device's lock only if the device is
// already known. It reports whether the device existed.
func (t *Table) WithExisting(id string, fn func(*Entry)) bool {
	s := t.slot(id, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entry)
	return true
}

// Snapshot returns a deep copy of the device's record, or false if
// the device is unknown.
func (t *Table) Snapshot(id string) (*Record, bool) {
	var rec *Record
	ok := t.WithExisting(id, func(e *Entry) {
		rec = e.Record.DeepCopy()
	})
	return rec, ok
}

// Remove drops a device from the table. The engine itself never
// removes devices; this serves the external delete operation.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, id)
}

// IDs returns the identifiers of all known devices. The result is a
// point-in-time snapshot; sweep loops iterate it and re-lock each
// device individually.
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of known devices.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// slot returns the named slot, creating it when create is set.
func (t *Table) slot(id string, create bool) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[id]
	if !ok && create {
		s = &slot{entry: Entry{Record: NewRecord(id)}}
		t.slots[id] = s
	}
	return s
}
