package rorpiter

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
)

// Pair is one element of a collated stream; either side may be nil when the
// index is present on only one input.
type Pair struct {
	Source *rorp.Record
	Dest   *rorp.Record
}

// Index returns the index shared by the pair.
func (p Pair) Index() rorp.Index {
	if p.Source != nil {
		return p.Source.Index
	}

	return p.Dest.Index
}

// CollateIter merge-joins two ascending-index streams into pairs keyed by
// index. It buffers one record per side and fails with a
// StreamOrderViolation if either input is out of order.
type CollateIter struct {
	a, b         Iter
	aHead, bHead *rorp.Record
	aDone, bDone bool
	aLast, bLast rorp.Index
}

// Collate creates a CollateIter over the two streams.
func Collate(a, b Iter) *CollateIter {
	return &CollateIter{a: a, b: b}
}

func (c *CollateIter) fill() error {
	if !c.aDone && c.aHead == nil {
		r, err := c.a.Next()

		switch {
		case err == io.EOF:
			c.aDone = true
		case err != nil:
			return err
		default:
			if c.aLast != nil && !c.aLast.Less(r.Index) {
				return robust.Newf(robust.StreamOrderViolation, r.Index.String(),
					"source stream out of order: %v after %v", r.Index, c.aLast)
			}

			c.aHead, c.aLast = r, r.Index
		}
	}

	if !c.bDone && c.bHead == nil {
		r, err := c.b.Next()

		switch {
		case err == io.EOF:
			c.bDone = true
		case err != nil:
			return err
		default:
			if c.bLast != nil && !c.bLast.Less(r.Index) {
				return robust.Newf(robust.StreamOrderViolation, r.Index.String(),
					"dest stream out of order: %v after %v", r.Index, c.bLast)
			}

			c.bHead, c.bLast = r, r.Index
		}
	}

	return nil
}

// Next returns the next pair, or io.EOF when both inputs are exhausted.
func (c *CollateIter) Next() (Pair, error) {
	if err := c.fill(); err != nil {
		return Pair{}, err
	}

	switch {
	case c.aHead == nil && c.bHead == nil:
		return Pair{}, io.EOF
	case c.bHead == nil:
		p := Pair{Source: c.aHead}
		c.aHead = nil

		return p, nil
	case c.aHead == nil:
		p := Pair{Dest: c.bHead}
		c.bHead = nil

		return p, nil
	}

	switch c.aHead.Index.Compare(c.bHead.Index) {
	case -1:
		p := Pair{Source: c.aHead}
		c.aHead = nil

		return p, nil
	case 1:
		p := Pair{Dest: c.bHead}
		c.bHead = nil

		return p, nil
	default:
		p := Pair{Source: c.aHead, Dest: c.bHead}
		c.aHead, c.bHead = nil, nil

		return p, nil
	}
}
