package restore

import (
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

type permEntry struct {
	index rorp.Index
	path  *rpath.Path
	perms uint32
}

// PermissionChanger relaxes the mode of mirror files and directories so
// they can be read and listed during a restore, and restores the original
// mode as soon as the walk has left them. Entries are kept newest-first.
type PermissionChanger struct {
	root    *rpath.Path
	current rorp.Index
	open    []permEntry
}

// NewPermissionChanger returns a changer rooted at the mirror base.
func NewPermissionChanger(root *rpath.Path) *PermissionChanger {
	return &PermissionChanger{root: root}
}

// Advance moves the changer to index: directories the walk has left get
// their mode back, and every path component from the last common prefix
// down to index is elevated if unreadable.
func (pc *PermissionChanger) Advance(index rorp.Index) {
	old := pc.current
	pc.current = index

	if len(index) == 0 || index.Compare(old) <= 0 {
		return
	}

	pc.restoreOld(index)
	pc.addChmodNew(old, index)
}

// Finish restores every remaining elevation.
func (pc *PermissionChanger) Finish() {
	for _, e := range pc.open {
		if err := e.path.Chmod(e.perms); err != nil {
			log.Warnw("cannot restore permissions", "path", e.path.Abs(), "error", err)
		}
	}

	pc.open = nil
}

func (pc *PermissionChanger) restoreOld(index rorp.Index) {
	for len(pc.open) > 0 {
		e := pc.open[0]

		prefix := index
		if len(e.index) < len(prefix) {
			prefix = prefix[:len(e.index)]
		}

		if prefix.Compare(e.index) <= 0 {
			break
		}

		if err := e.path.Chmod(e.perms); err != nil {
			log.Warnw("cannot restore permissions", "path", e.path.Abs(), "error", err)
		}

		pc.open = pc.open[1:]
	}
}

func (pc *PermissionChanger) addChmodNew(old, index rorp.Index) {
	common := 0
	for common < len(old) && common < len(index) && old[common] == index[common] {
		common++
	}

	// outer directories first, so each level is readable before the
	// next one is statted
	for l := common + 1; l <= len(index); l++ {
		p := pc.root.NewIndex(index[:l])
		rec := p.Record()

		switch {
		case rec.IsReg() && rec.Perms&0o400 == 0:
			pc.push(p, rec.Perms)
			pc.chmod(p, 0o400|rec.Perms)

		case rec.IsDir() && rec.Perms&0o500 != 0o500:
			pc.push(p, rec.Perms)
			pc.chmod(p, 0o700|rec.Perms)
		}
	}
}

func (pc *PermissionChanger) push(p *rpath.Path, perms uint32) {
	pc.open = append([]permEntry{{index: p.Index().Clone(), path: p, perms: perms}}, pc.open...)
}

func (pc *PermissionChanger) chmod(p *rpath.Path, perms uint32) {
	if err := p.Chmod(perms); err != nil {
		log.Warnw("cannot relax permissions", "path", p.Abs(), "error", err)
	}
}
