package hashindex

// mergeSource is one input of a k-way merge: a segment iterator plus its
// current head record.
type mergeSource struct {
	it         *SegmentIterator
	generation uint64
	head       Record
	ok         bool
}

func (src *mergeSource) advance() {
	src.head, src.ok = src.it.Next()
}

// MergeIterator performs a k-way merge over the sorted records of several
// segments, yielding a single strictly ascending stream. When two inputs
// present the same hash (possible only after an anomalous replay), the
// record from the higher generation wins and the others are discarded.
type MergeIterator struct {
	sources []*mergeSource
	err     error
}

// NewMergeIterator builds a merge over the given segments
func NewMergeIterator(segments []*Segment) *MergeIterator {
	sources := make([]*mergeSource, 0, len(segments))
	for _, seg := range segments {
		src := &mergeSource{it: seg.Iterator(), generation: seg.Generation()}
		src.advance()
		sources = append(sources, src)
	}
	return &MergeIterator{sources: sources}
}

// Next returns the record with the smallest hash across all input heads,
// resolving hash ties in favor of the highest generation.
func (mi *MergeIterator) Next() (Record, bool) {
	if mi.err != nil {
		return Record{}, false
	}

	var best *mergeSource
	for _, src := range mi.sources {
		if !src.ok {
			if err := src.it.Err(); err != nil {
				mi.err = err
				return Record{}, false
			}
			continue
		}
		if best == nil {
			best = src
			continue
		}
		switch cmp := src.head.Hash.Compare(best.head.Hash); {
		case cmp < 0:
			best = src
		case cmp == 0 && src.generation > best.generation:
			// Newest wins; the older duplicate is dropped below.
			best = src
		}
	}
	if best == nil {
		return Record{}, false
	}

	out := best.head

	// Advance every source sitting on the emitted hash, discarding the
	// losing duplicates.
	for _, src := range mi.sources {
		for src.ok && src.head.Hash == out.Hash {
			src.advance()
			if err := src.it.Err(); err != nil {
				mi.err = err
				return Record{}, false
			}
		}
	}

	return out, true
}

// Err reports any error encountered by the merged inputs
func (mi *MergeIterator) Err() error {
	return mi.err
}

// filterIterator is the degenerate one-input merge used by rewind: it
// passes through records whose row index is below the boundary.
type filterIterator struct {
	it       RecordIterator
	boundary uint64
}

func newFilterIterator(it RecordIterator, boundary uint64) *filterIterator {
	return &filterIterator{it: it, boundary: boundary}
}

func (fi *filterIterator) Next() (Record, bool) {
	for {
		rec, ok := fi.it.Next()
		if !ok {
			return Record{}, false
		}
		if rec.RowIndex < fi.boundary {
			return rec, true
		}
	}
}

func (fi *filterIterator) Err() error {
	return fi.it.Err()
}
