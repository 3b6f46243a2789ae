package disklru

import (
	"container/list"
	"strconv"
)

// entry is the in-memory metadata for one key.
//
// State is explicit rather than inferred from pointers:
//   - readable: at least one commit succeeded and lengths are valid
//   - editID != 0: an edit is pending and only the Editor holding that ID
//     may complete it
//
// A non-readable entry always has a pending edit.
type entry struct {
	key      string
	lengths  []int64
	readable bool

	// editID identifies the pending edit; 0 means idle.
	editID uint64

	// commitSeq is the sequence number of the last successful commit. A
	// Snapshot remembers it to detect that its key changed underneath.
	commitSeq uint64

	elem *list.Element
}

func (e *entry) pending() bool {
	return e.editID != 0
}

// size is the sum of committed value lengths.
func (e *entry) size() int64 {
	var n int64
	for _, l := range e.lengths {
		n += l
	}

	return n
}

// cleanName is the file holding the committed value of slot i.
func cleanName(key string, i int) string {
	return key + "." + strconv.Itoa(i)
}

// dirtyName is the staging file for slot i of a pending edit.
func dirtyName(key string, i int) string {
	return cleanName(key, i) + ".tmp"
}

// table maps keys to entries and keeps them in recency order.
//
// The list runs from least recently used (front) to most recently used
// (back). Recency is bumped by successful reads and commits only.
type table struct {
	entries map[string]*entry
	lru     *list.List
}

func newTable() *table {
	return &table{
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

func (t *table) len() int {
	return len(t.entries)
}

func (t *table) get(key string) *entry {
	return t.entries[key]
}

// getOrCreate returns the entry for key, inserting a fresh one at the MRU
// end if absent.
func (t *table) getOrCreate(key string, valueCount int) *entry {
	if e, ok := t.entries[key]; ok {
		return e
	}

	e := &entry{key: key, lengths: make([]int64, valueCount)}
	e.elem = t.lru.PushBack(e)
	t.entries[key] = e

	return e
}

func (t *table) touch(e *entry) {
	t.lru.MoveToBack(e.elem)
}

func (t *table) remove(e *entry) {
	delete(t.entries, e.key)
	t.lru.Remove(e.elem)
}

// each calls fn for every entry from LRU to MRU. fn may remove the entry it
// is handed. Iteration stops when fn returns false.
func (t *table) each(fn func(e *entry) bool) {
	for el := t.lru.Front(); el != nil; {
		next := el.Next()

		e, _ := el.Value.(*entry)
		if !fn(e) {
			return
		}

		el = next
	}
}

// apply replays one journal record. nextSeq hands out edit IDs and commit
// sequence numbers.
func (t *table) apply(rec record, valueCount int, nextSeq func() uint64) {
	switch rec.op {
	case opClean:
		e := t.getOrCreate(rec.key, valueCount)
		copy(e.lengths, rec.lengths)
		e.readable = true
		e.editID = 0
		e.commitSeq = nextSeq()
		t.touch(e)

	case opDirty:
		e := t.getOrCreate(rec.key, valueCount)
		e.editID = nextSeq()

	case opRemove:
		if e := t.get(rec.key); e != nil {
			t.remove(e)
		}

	case opRead:
		if e := t.get(rec.key); e != nil {
			t.touch(e)
		}
	}
}
