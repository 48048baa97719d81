// Package rorpiter implements ordered streams of path records and the
// stream combinators the engine is built from: collation of two streams,
// parent fill-in, and the depth-first tree reducer.
package rorpiter

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
)

// Iter is a pull stream of records in ascending index order. Next returns
// io.EOF after the last record.
type Iter interface {
	Next() (*rorp.Record, error)
}

// Flush is an in-band marker instructing the transport to flush buffered
// records. It is a first-class stream element so the stream itself is the
// synchronization primitive between the two pipeline sides.
var Flush = &rorp.Record{Type: rorp.TypeAbsent}

// IsFlush reports whether r is the flush marker.
func IsFlush(r *rorp.Record) bool {
	return r == Flush
}

type sliceIter struct {
	recs []*rorp.Record
	pos  int
}

func (s *sliceIter) Next() (*rorp.Record, error) {
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}

	r := s.recs[s.pos]
	s.pos++

	return r, nil
}

// FromSlice returns an Iter over the given records.
func FromSlice(recs []*rorp.Record) Iter {
	return &sliceIter{recs: recs}
}

type funcIter func() (*rorp.Record, error)

func (f funcIter) Next() (*rorp.Record, error) { return f() }

// FromFunc adapts a next-function into an Iter.
func FromFunc(next func() (*rorp.Record, error)) Iter {
	return funcIter(next)
}

// SubtractIndex rebases every record of it by stripping prefix from its
// index; needed when restoring from a non-root base. Records outside the
// prefix are an ordering violation.
func SubtractIndex(prefix rorp.Index, it Iter) Iter {
	if len(prefix) == 0 {
		return it
	}

	return FromFunc(func() (*rorp.Record, error) {
		r, err := it.Next()
		if err != nil {
			return nil, err
		}

		if IsFlush(r) {
			return r, nil
		}

		if !r.Index.HasPrefix(prefix) {
			return nil, robust.Newf(robust.StreamOrderViolation, r.Index.String(),
				"record %v is not under restore base %v", r.Index, prefix)
		}

		out := r.Clone()
		out.Attached = r.Attached
		out.Payload = r.Payload
		out.LinkedTo = r.LinkedTo
		out.Index = r.Index[len(prefix):].Clone()

		return out, nil
	})
}

// Drain reads the remaining records of it into a slice, skipping flush
// markers.
func Drain(it Iter) ([]*rorp.Record, error) {
	var out []*rorp.Record

	for {
		r, err := it.Next()
		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return out, err
		}

		if !IsFlush(r) {
			out = append(out, r)
		}
	}
}
