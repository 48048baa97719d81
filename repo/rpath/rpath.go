// Package rpath implements repository-rooted paths: a Path couples a
// filesystem location with its index inside the tree and a cached stat
// record, and provides the mutation primitives the engine needs (atomic
// sibling temp files, fsync-with-dir, attribute copying, special-file
// creation).
package rpath

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/rorp"
)

var log = logging.Logger("rdiff/rpath")

var tempCounter uint64

// Path is a filesystem path at an index under a root, with a lazily cached
// stat record.
type Path struct {
	root  string
	index rorp.Index

	rec     *rorp.Record
	statted bool
}

// New returns the Path for the tree rooted at the given filesystem
// location.
func New(root string) *Path {
	return &Path{root: root}
}

// NewIndex returns the Path at idx under the same root.
func (p *Path) NewIndex(idx rorp.Index) *Path {
	return &Path{root: p.root, index: idx.Clone()}
}

// Append returns the Path one component below p.
func (p *Path) Append(name string) *Path {
	return &Path{root: p.root, index: p.index.Append(name)}
}

// Descend returns the Path at p's index extended by idx.
func (p *Path) Descend(idx rorp.Index) *Path {
	out := make(rorp.Index, 0, len(p.index)+len(idx))
	out = append(out, p.index...)
	out = append(out, idx...)

	return &Path{root: p.root, index: out}
}

// Index returns the index of p within its root.
func (p *Path) Index() rorp.Index { return p.index }

// Base returns the last path component.
func (p *Path) Base() string {
	if len(p.index) == 0 {
		return filepath.Base(p.root)
	}

	return p.index[len(p.index)-1]
}

// Abs returns the absolute filesystem path.
func (p *Path) Abs() string {
	return filepath.Join(append([]string{p.root}, p.index...)...)
}

func (p *Path) String() string { return p.Abs() }

// Setdata refreshes the cached stat record from the filesystem. A missing
// file yields an absent record, not an error.
func (p *Path) Setdata() error {
	rec, err := lstatRecord(p.Abs(), p.index)
	if err != nil {
		return err
	}

	p.rec, p.statted = rec, true

	return nil
}

// Record returns the cached stat record, populating it on first use. Stat
// failures other than non-existence degrade to an absent record with a
// logged warning.
func (p *Path) Record() *rorp.Record {
	if !p.statted {
		if err := p.Setdata(); err != nil {
			log.Warnw("lstat failed", "path", p.Abs(), "error", err)

			p.rec, p.statted = rorp.NewAbsent(p.index), true
		}
	}

	return p.rec
}

// Exists reports whether something exists at p.
func (p *Path) Exists() bool { return p.Record().Exists() }

// IsDir reports whether p is a directory.
func (p *Path) IsDir() bool { return p.Record().IsDir() }

// IsReg reports whether p is a regular file.
func (p *Path) IsReg() bool { return p.Record().IsReg() }

// Perms returns the permission bits of p.
func (p *Path) Perms() uint32 { return p.Record().Perms }

func (p *Path) invalidate() {
	p.rec, p.statted = nil, false
}

// Chmod changes the permission bits and updates the cached record.
func (p *Path) Chmod(perms uint32) error {
	if err := os.Chmod(p.Abs(), os.FileMode(perms&0o7777)); err != nil {
		return errors.Wrap(err, "chmod")
	}

	if p.statted && p.rec.Exists() {
		p.rec.Perms = perms & 0o7777
	}

	return nil
}

// Chtimes sets the modification time.
func (p *Path) Chtimes(mtime time.Time) error {
	return errors.Wrap(os.Chtimes(p.Abs(), mtime, mtime), "chtimes")
}

// Mkdir creates the directory at p.
func (p *Path) Mkdir() error {
	p.invalidate()
	return errors.Wrap(os.Mkdir(p.Abs(), 0o700), "mkdir")
}

// MkdirAll creates the directory at p along with missing parents.
func (p *Path) MkdirAll() error {
	p.invalidate()
	return errors.Wrap(os.MkdirAll(p.Abs(), 0o700), "mkdir")
}

// Rmdir removes the empty directory at p.
func (p *Path) Rmdir() error {
	p.invalidate()
	return errors.Wrap(os.Remove(p.Abs()), "rmdir")
}

// Delete removes p; directories are removed recursively.
func (p *Path) Delete() error {
	defer p.invalidate()

	if p.IsDir() {
		return errors.Wrap(os.RemoveAll(p.Abs()), "delete tree")
	}

	err := os.Remove(p.Abs())
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return errors.Wrap(err, "delete")
}

// Touch creates an empty regular file at p.
func (p *Path) Touch() error {
	p.invalidate()

	f, err := os.OpenFile(p.Abs(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "touch")
	}

	return errors.Wrap(f.Close(), "touch")
}

// WriteString replaces the content of p with s.
func (p *Path) WriteString(s string) error {
	p.invalidate()
	return errors.Wrap(os.WriteFile(p.Abs(), []byte(s), 0o600), "write")
}

// Open opens p for reading.
func (p *Path) Open() (*os.File, error) {
	f, err := os.Open(p.Abs())
	return f, errors.Wrap(err, "open")
}

// Create opens p for writing, truncating any existing content.
func (p *Path) Create() (*os.File, error) {
	p.invalidate()

	f, err := os.OpenFile(p.Abs(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)

	return f, errors.Wrap(err, "create")
}

// Rename atomically moves p over dst. Both must be on the same filesystem.
func (p *Path) Rename(dst *Path) error {
	p.invalidate()
	dst.invalidate()

	return errors.Wrap(os.Rename(p.Abs(), dst.Abs()), "rename")
}

// Link creates p as a hard link to target.
func (p *Path) Link(target *Path) error {
	p.invalidate()
	return errors.Wrap(os.Link(target.Abs(), p.Abs()), "link")
}

// Symlink creates p as a symbolic link pointing at target.
func (p *Path) Symlink(target string) error {
	p.invalidate()
	return errors.Wrap(os.Symlink(target, p.Abs()), "symlink")
}

// Readlink returns the target of the symbolic link at p.
func (p *Path) Readlink() (string, error) {
	t, err := os.Readlink(p.Abs())
	return t, errors.Wrap(err, "readlink")
}

// Listdir returns the sorted names in the directory at p.
func (p *Path) Listdir() ([]string, error) {
	ents, err := os.ReadDir(p.Abs())
	if err != nil {
		return nil, errors.Wrap(err, "listdir")
	}

	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// TempSibling returns an unused temp path in the same directory as p, so a
// later rename stays on one filesystem.
func (p *Path) TempSibling() *Path {
	parent := p.index.Parent()

	for {
		n := atomic.AddUint64(&tempCounter, 1)
		name := fmt.Sprintf("rdiff-backup.tmp.%d", n)
		t := &Path{root: p.root, index: parent.Append(name)}

		if !t.Exists() {
			return t
		}
	}
}

// FsyncWithDir syncs the file at p and then its containing directory, so
// both the content and the directory entry are durable.
func (p *Path) FsyncWithDir() error {
	f, err := os.Open(p.Abs())
	if err != nil {
		return errors.Wrap(err, "fsync open")
	}

	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return errors.Wrap(err, "fsync")
	}

	return SyncDir(filepath.Dir(p.Abs()))
}

// SyncDir fsyncs a directory by path.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "fsync opendir")
	}

	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}

	return errors.Wrap(err, "fsync dir")
}
