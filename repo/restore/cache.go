package restore

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

// CachedRF materializes restore files one directory at a time. Callers ask
// for paths in non-decreasing index order; when a requested index is not at
// the head of the cache, the whole containing directory is listed once and
// inserted, instead of re-listing per file.
type CachedRF struct {
	root *RestoreFile
	list []*RestoreFile
	perm *PermissionChanger
}

// NewCachedRF returns a cache over the tree rooted at root. perm may be nil
// when the process does not need permission elevation (root).
func NewCachedRF(root *RestoreFile, perm *PermissionChanger) *CachedRF {
	return &CachedRF{root: root, perm: perm}
}

// GetReader returns the restored content of the file at index. A missing
// restore file - usually repository data loss - yields an empty reader and
// a warning.
func (c *CachedRF) GetReader(index rorp.Index) io.ReadCloser {
	rf := c.getRF(index)
	if rf == nil {
		log.Warnw("unable to retrieve data for file; the backup repository is probably missing data",
			"path", index.String())

		return emptyReader()
	}

	return rf.RestoreReader()
}

// Close finishes the permission changer.
func (c *CachedRF) Close() {
	if c.perm != nil {
		c.perm.Finish()
	}
}

func (c *CachedRF) getRF(index rorp.Index) *RestoreFile {
	if len(index) == 0 {
		return c.root
	}

	for {
		if len(c.list) == 0 {
			if !c.addRFs(index) {
				return nil
			}
		}

		rf := c.list[0]

		switch {
		case rf.Index.Equal(index):
			if c.perm != nil {
				c.perm.Advance(index)
			}

			return rf

		case rf.Index.Compare(index) > 0:
			// the requested index would have to come earlier; if the
			// head is already from the same directory there is nothing
			// more to add
			if index.Parent().Equal(rf.Index.Parent()) || !c.addRFs(index) {
				return nil
			}

		default:
			c.list = c.list[1:]
		}
	}
}

// addRFs lists the directory containing index and inserts its restore
// files at the head of the cache. Returns false when nothing is available,
// which usually indicates an error.
func (c *CachedRF) addRFs(index rorp.Index) bool {
	parent := index.Parent()

	if c.perm != nil {
		c.perm.Advance(parent)
	}

	parentRF := NewRestoreFile(
		c.root.mirror.NewIndex(parent),
		c.root.incPath.Descend(parent),
		nil,
		c.root.restoreTime,
		c.root.mirrorTime,
	)

	subs, err := parentRF.SubRFs()
	if err != nil || len(subs) == 0 {
		return false
	}

	c.list = append(subs, c.list...)

	return true
}
