// Package adt holds the abstract data types layered on top of hamt: here, a
// generic undo-logged map (HistoryMap) used for the state tree's actor and
// address-resolve caches.
package adt

// historyEntry records one undo-log frame: the key that was touched and
// the value it held immediately before the operation that's being logged,
// or hadOld=false if the key was absent (so rollback knows to delete it again
// rather than re-insert a zero value). Mirrors the (K, Option<V>) entries
// of the reference engine's HistoryMap.
type historyEntry struct {
	key    interface{}
	hadOld bool
	old    interface{}
}

// HistoryMap is a map with an append-only undo log: every mutation records
// enough information to reverse it, so a caller can roll back to any
// earlier point in the log without re-deriving state from scratch. It
// backs both the actor cache and the resolve cache in the state tree,
// where state-tree transactions need exactly this kind of cheap,
// layered rollback.
type HistoryMap struct {
	m       map[interface{}]interface{}
	history []historyEntry
}

// NewHistoryMap returns an empty map with an empty undo log.
func NewHistoryMap() *HistoryMap {
	return &HistoryMap{m: make(map[interface{}]interface{})}
}

// Get returns the current value for key, and whether it is present.
func (h *HistoryMap) Get(key interface{}) (interface{}, bool) {
	v, ok := h.m[key]
	return v, ok
}

// Insert sets key to value, logging the previous value (or its absence) so
// the write can be undone by Rollback. Returns the previous value, if any.
func (h *HistoryMap) Insert(key interface{}, value interface{}) (interface{}, bool) {
	old, hadOld := h.m[key]
	h.history = append(h.history, historyEntry{key: key, hadOld: hadOld, old: old})
	h.m[key] = value
	return old, hadOld
}

// Remove deletes key, logging its previous value so the deletion can be
// undone by Rollback. Returns the removed value, if any.
func (h *HistoryMap) Remove(key interface{}) (interface{}, bool) {
	old, hadOld := h.m[key]
	if !hadOld {
		return nil, false
	}
	h.history = append(h.history, historyEntry{key: key, hadOld: true, old: old})
	delete(h.m, key)
	return old, true
}

// GetOrInsertWith returns the current value for key if present, otherwise
// computes and inserts one via f, logging the insertion. If f fails, no
// mutation is recorded.
func (h *HistoryMap) GetOrInsertWith(key interface{}, f func() (interface{}, error)) (interface{}, error) {
	if v, ok := h.m[key]; ok {
		return v, nil
	}
	v, err := f()
	if err != nil {
		return nil, err
	}
	h.Insert(key, v)
	return v, nil
}

// Len reports how many undo-log frames have been recorded since the map
// was created or last had its history discarded.
func (h *HistoryMap) Len() int {
	return len(h.history)
}

// Rollback undoes every history frame past height, restoring the map to
// exactly the state it had when it held height frames. Frames are replayed
// in reverse order, matching the reference engine's history_map algebra.
func (h *HistoryMap) Rollback(height int) {
	for len(h.history) > height {
		last := h.history[len(h.history)-1]
		h.history = h.history[:len(h.history)-1]
		if last.hadOld {
			h.m[last.key] = last.old
		} else {
			delete(h.m, last.key)
		}
	}
}

// DiscardHistory drops the undo log without touching the map's current
// contents, committing every recorded mutation permanently. Called when the
// outermost state-tree transaction ends, whether it committed or reverted.
func (h *HistoryMap) DiscardHistory() {
	h.history = h.history[:0]
}

// ForEach visits every current key/value pair. Iteration order is
// unspecified, matching Go map iteration.
func (h *HistoryMap) ForEach(f func(key, value interface{}) error) error {
	for k, v := range h.m {
		if err := f(k, v); err != nil {
			return err
		}
	}
	return nil
}
