// Package hardlink groups records sharing an inode across a tree walk. The
// first member of a group carries the content; later members are tagged as
// followers pointing at the first member's index.
package hardlink

import (
	"github.com/ottok/rdiff-backup/repo/rorp"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

type group struct {
	first     rorp.Index
	sha1      string
	remaining int
}

// Tracker holds the inode groups of the source and destination sides of the
// current walk. The two sides have independent inode numbering and are
// tracked separately.
type Tracker struct {
	src  map[inodeKey]*group
	dest map[inodeKey]*group
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		src:  map[inodeKey]*group{},
		dest: map[inodeKey]*group{},
	}
}

func trackable(r *rorp.Record) bool {
	return r.IsReg() && r.Nlink > 1
}

func addSide(m map[inodeKey]*group, r *rorp.Record) {
	if r == nil || !trackable(r) {
		return
	}

	k := inodeKey{dev: r.DevNum, ino: r.Inode}
	if g, ok := m[k]; ok {
		r.FlagLinked(g.first)
		return
	}

	m[k] = &group{first: r.Index.Clone(), remaining: r.Nlink}
}

// Add registers a collated (source, dest) pair. Records that join an
// existing group are flagged as followers.
func (t *Tracker) Add(src, dest *rorp.Record) {
	addSide(t.src, src)
	addSide(t.dest, dest)
}

// IsLinked reports whether the record was flagged as a follower.
func (t *Tracker) IsLinked(r *rorp.Record) bool {
	return r.IsFlagLinked()
}

// LinkIndex returns the index of the first member of r's group.
func (t *Tracker) LinkIndex(r *rorp.Record) rorp.Index {
	return r.LinkedTo
}

// RorpEq compares two records for hard-link purposes: both sides must agree
// on whether the record leads or follows a group, and followers must point
// at the same first index.
func (t *Tracker) RorpEq(src, dest *rorp.Record) bool {
	srcLinked := src.IsFlagLinked()
	destLinked := dest.IsFlagLinked()

	switch {
	case !srcLinked && !destLinked:
		return true
	case srcLinked && destLinked:
		return src.LinkedTo.Equal(dest.LinkedTo)
	default:
		return false
	}
}

// SetSHA1 records the content hash for the source-side group r belongs to,
// so followers can be committed with the group hash.
func (t *Tracker) SetSHA1(r *rorp.Record, sum string) {
	if r == nil || !trackable(r) {
		return
	}

	if g, ok := t.src[inodeKey{dev: r.DevNum, ino: r.Inode}]; ok {
		g.sha1 = sum
	}
}

// SHA1 returns the source-side group hash of r, if any.
func (t *Tracker) SHA1(r *rorp.Record) string {
	if r == nil || !trackable(r) {
		return ""
	}

	if g, ok := t.src[inodeKey{dev: r.DevNum, ino: r.Inode}]; ok {
		return g.sha1
	}

	return ""
}

// Del releases the group entries once r has been fully processed. Groups
// are freed when the last member leaves the pipeline.
func (t *Tracker) Del(r *rorp.Record) {
	if r == nil || !trackable(r) {
		return
	}

	k := inodeKey{dev: r.DevNum, ino: r.Inode}
	if g, ok := t.src[k]; ok {
		g.remaining--
		if g.remaining <= 0 {
			delete(t.src, k)
		}
	}
}
