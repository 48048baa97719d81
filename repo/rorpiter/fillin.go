package rorpiter

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

// FillIn reshapes an index-ordered stream for the tree reducer: the root
// record always comes first and every record is preceded by all of its
// ancestors. Missing ancestors are synthesized through resolve, which
// typically stats the corresponding mirror directory. Flush markers are
// dropped; they have no meaning past the transport.
func FillIn(it Iter, root *rorp.Record, resolve func(rorp.Index) *rorp.Record) Iter {
	return &fillInIter{it: it, root: root, resolve: resolve}
}

type fillInIter struct {
	it      Iter
	root    *rorp.Record
	resolve func(rorp.Index) *rorp.Record

	inited bool
	done   bool
	queue  []*rorp.Record
	last   rorp.Index
}

func (f *fillInIter) nextReal() (*rorp.Record, error) {
	for {
		r, err := f.it.Next()
		if err != nil {
			return nil, err
		}

		if !IsFlush(r) {
			return r, nil
		}
	}
}

func (f *fillInIter) enqueueWithAncestors(r *rorp.Record) {
	idx := r.Index

	common := 0
	for common < len(f.last) && common < len(idx)-1 && f.last[common] == idx[common] {
		common++
	}

	for l := common + 1; l < len(idx); l++ {
		anc := idx[:l].Clone()

		rec := f.resolve(anc)
		if rec == nil {
			rec = &rorp.Record{Index: anc, Type: rorp.TypeDirectory}
		}

		f.queue = append(f.queue, rec)
	}

	f.queue = append(f.queue, r)
	f.last = idx
}

func (f *fillInIter) Next() (*rorp.Record, error) {
	for {
		if len(f.queue) > 0 {
			r := f.queue[0]
			f.queue = f.queue[1:]

			return r, nil
		}

		if f.done {
			return nil, io.EOF
		}

		if !f.inited {
			f.inited = true

			r, err := f.nextReal()

			switch {
			case err == io.EOF:
				f.done = true
				f.queue = append(f.queue, f.root)
			case err != nil:
				return nil, err
			case len(r.Index) == 0:
				// the stream carries its own root record
				f.queue = append(f.queue, r)
			default:
				f.queue = append(f.queue, f.root)
				f.enqueueWithAncestors(r)
			}

			continue
		}

		r, err := f.nextReal()
		if err == io.EOF {
			f.done = true
			continue
		}

		if err != nil {
			return nil, err
		}

		if len(r.Index) == 0 {
			// duplicate root record
			continue
		}

		f.enqueueWithAncestors(r)
	}
}
