package journal

import "sort"

// journalIndex tracks where each record of the current journal file lives.
// Records are appended in sequence order so lookups are binary searches.
type journalIndex struct {
	base uint64
	refs []recordRef
}

func newJournalIndex(base uint64, refs []recordRef) *journalIndex {
	idx := &journalIndex{base: base, refs: make([]recordRef, 0, max(len(refs), 1024))}
	idx.refs = append(idx.refs, refs...)
	return idx
}

// Add records a newly appended record.
func (idx *journalIndex) Add(ref recordRef) {
	idx.refs = append(idx.refs, ref)
}

// Last returns the newest journaled sequence, falling back to the base when
// the current file is empty.
func (idx *journalIndex) Last() uint64 {
	if n := len(idx.refs); n > 0 {
		return idx.refs[n-1].sequence
	}
	return idx.base
}

// First returns the oldest sequence in the current file, zero when empty.
func (idx *journalIndex) First() uint64 {
	if len(idx.refs) == 0 {
		return 0
	}
	return idx.refs[0].sequence
}

// Count returns the number of records in the current file.
func (idx *journalIndex) Count() int {
	return len(idx.refs)
}

// Since returns up to limit records with a sequence greater than seq. A limit
// of zero returns all of them.
func (idx *journalIndex) Since(seq uint64, limit int) []recordRef {
	i := sort.Search(len(idx.refs), func(i int) bool {
		return idx.refs[i].sequence > seq
	})
	out := idx.refs[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]recordRef(nil), out...)
}

// Reset starts a fresh file after archiving.
func (idx *journalIndex) Reset(base uint64) {
	idx.base = base
	idx.refs = idx.refs[:0]
}
