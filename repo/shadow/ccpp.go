package shadow

import (
	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/hardlink"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
	"github.com/ottok/rdiff-backup/repo/statistics"
)

// row success states.
const (
	successPending = 0
	successUpdated = 1
	successDeleted = 2
)

type row struct {
	src     *rorp.Record
	dest    *rorp.Record
	changed bool
	success int
	incSize int64
}

type dirPerm struct {
	path  *rpath.Path
	perms uint32
}

type parentEntry struct {
	index rorp.Index
	src   *rorp.Record
	dest  *rorp.Record
}

// CCPP is the cache-collated post-processor: a bounded FIFO of in-flight
// (source, dest) record pairs. It exists because
//
//  1. the patch stage needs the original records, which the diffs it
//     receives do not carry;
//  2. metadata must only be committed after a file has been processed
//     correctly, so it is written when a row falls out of the cache;
//  3. unreadable mirror directories must be relaxed before they are
//     entered and restored once the walk has left them;
//  4. content hashes computed during patching need a place to live before
//     the metadata commit.
type CCPP struct {
	iter      *rorpiter.CollateIter
	cacheSize int
	destRoot  *rpath.Path
	cfg       *conf.Config
	eh        *robust.Handler
	hl        *hardlink.Tracker

	store     *metadata.Store
	meta      *metadata.Writer
	stats     *statistics.Session
	fileStats *statistics.FileStats

	rows  map[string]*row
	order []rorp.Index

	// dirPerms is the permission-elevation stack: LIFO of directories
	// whose mode was relaxed, strictly increasing in index along the
	// current walk path.
	dirPerms []dirPerm

	// parents holds the ancestor directories of the most recently
	// evicted entry, so late lookups for a parent still resolve after
	// its row has left the main cache.
	parents []parentEntry
}

func newCCPP(iter *rorpiter.CollateIter, cacheSize int, destRoot *rpath.Path,
	store *metadata.Store, meta *metadata.Writer,
	stats *statistics.Session, fileStats *statistics.FileStats,
	hl *hardlink.Tracker, cfg *conf.Config, eh *robust.Handler,
) *CCPP {
	return &CCPP{
		iter:      iter,
		cacheSize: cacheSize,
		destRoot:  destRoot,
		cfg:       cfg,
		eh:        eh,
		hl:        hl,
		store:     store,
		meta:      meta,
		stats:     stats,
		fileStats: fileStats,
		rows:      map[string]*row{},
	}
}

// Next returns the next collated (source, dest) pair, inserting it into the
// cache and evicting the oldest row when the cache is over capacity.
func (c *CCPP) Next() (*rorp.Record, *rorp.Record, error) {
	pair, err := c.iter.Next()
	if err != nil {
		return nil, nil, err
	}

	c.preProcess(pair.Source, pair.Dest)

	idx := pair.Index()
	c.rows[idx.String()] = &row{src: pair.Source, dest: pair.Dest}
	c.order = append(c.order, idx)

	if len(c.order) > c.cacheSize {
		c.shorten()
	}

	return pair.Source, pair.Dest, nil
}

func (c *CCPP) preProcess(src, dest *rorp.Record) {
	if c.cfg.PreserveHardlinks {
		c.hl.Add(src, dest)
	}

	if dest.IsDir() && c.cfg.ProcessUID != 0 && dest.Perms&0o700 != 0o700 {
		c.unreadableDirInit(src, dest)
	}
}

func (c *CCPP) unreadableDirInit(src, dest *rorp.Record) {
	p := c.destRoot.NewIndex(dest.Index)

	if err := p.Chmod(0o700 | dest.Perms); err != nil {
		log.Warnw("cannot relax unreadable directory", "path", p.Abs(), "error", err)
		return
	}

	if src.IsDir() {
		// restore to the source perms, which is where the directory
		// will end up after a successful update
		c.dirPerms = append(c.dirPerms, dirPerm{path: p, perms: src.Perms})
	}
}

// InCache reports whether a row for idx is still live.
func (c *CCPP) InCache(idx rorp.Index) bool {
	_, ok := c.rows[idx.String()]
	return ok
}

// FlagChanged marks the row as differing between source and mirror.
func (c *CCPP) FlagChanged(idx rorp.Index) {
	if r, ok := c.rows[idx.String()]; ok {
		r.changed = true
	}
}

// FlagSuccess marks the row's mirror entry as successfully updated.
func (c *CCPP) FlagSuccess(idx rorp.Index) {
	if r, ok := c.rows[idx.String()]; ok {
		r.success = successUpdated
	}
}

// FlagDeleted marks the row's mirror entry as deleted.
func (c *CCPP) FlagDeleted(idx rorp.Index) {
	if r, ok := c.rows[idx.String()]; ok {
		r.success = successDeleted
	}
}

// SetInc records the size of the increment written for the row.
func (c *CCPP) SetInc(idx rorp.Index, size int64) {
	if r, ok := c.rows[idx.String()]; ok {
		r.incSize = size
	}

	c.stats.AddIncrement(size)
}

// GetRecords returns the cached (source, dest) pair for idx, falling back
// to the parent cache.
func (c *CCPP) GetRecords(idx rorp.Index) (*rorp.Record, *rorp.Record) {
	if r, ok := c.rows[idx.String()]; ok {
		return r.src, r.dest
	}

	for i := len(c.parents) - 1; i >= 0; i-- {
		if c.parents[i].index.Equal(idx) {
			return c.parents[i].src, c.parents[i].dest
		}
	}

	log.Warnw("index missing from cache", "index", idx.String())

	return nil, nil
}

// GetSource returns the cached source record for idx.
func (c *CCPP) GetSource(idx rorp.Index) *rorp.Record {
	src, _ := c.GetRecords(idx)
	return src
}

// GetMirror returns the cached mirror record for idx.
func (c *CCPP) GetMirror(idx rorp.Index) *rorp.Record {
	_, dest := c.GetRecords(idx)
	return dest
}

// UpdateHash stores the content hash computed while patching on the cached
// source record, and on its hard-link group when it leads one.
func (c *CCPP) UpdateHash(idx rorp.Index, sum string) {
	src := c.GetSource(idx)
	if src == nil {
		return
	}

	src.SHA1 = sum
	c.hl.SetSHA1(src, sum)
}

// UpdateHardlinkHash tags the source record of a link follower with the
// hash of its group's content.
func (c *CCPP) UpdateHardlinkHash(diff *rorp.Record) {
	sum := c.hl.SHA1(diff)
	if sum == "" {
		return
	}

	if src := c.GetSource(diff.Index); src != nil {
		src.SHA1 = sum
	}
}

func (c *CCPP) shorten() {
	idx := c.order[0]
	c.order = c.order[1:]

	key := idx.String()

	r, ok := c.rows[key]
	if !ok {
		// likely a duplicate directory entry from a misbehaving
		// filesystem; not worth failing the session over
		log.Warnw("index missing from cache on eviction", "index", key)
		return
	}

	delete(c.rows, key)
	c.postProcess(r)

	if len(c.dirPerms) > 0 {
		c.resetDirPerms(idx)
	}

	c.updateParents(idx, r.src, r.dest)
}

// postProcess commits metadata and statistics for an evicted row. Metadata
// for an index is written exactly once, here: from the mirror record when
// the entry was untouched, from the source record when it was successfully
// updated, and not at all when the entry was deleted.
func (c *CCPP) postProcess(r *row) {
	if c.cfg.PreserveHardlinks && r.src != nil {
		c.hl.Del(r.src)
	}

	if !r.changed || r.success != successPending {
		c.stats.AddSourceFile(r.src)
		c.stats.AddDestFile(r.dest)
	}

	var metaRec *rorp.Record

	switch r.success {
	case successPending:
		metaRec = r.dest
	case successUpdated:
		metaRec = r.src
	case successDeleted:
		metaRec = nil
	}

	if r.success != successPending {
		c.stats.AddChanged(r.src, r.dest)
	}

	if metaRec.Exists() {
		if err := c.meta.Write(metaRec); err != nil {
			c.eh.File(robust.UpdateError, metaRec.Index.String(), err)
		}
	}

	if c.fileStats != nil {
		c.fileStats.Update(r.src, r.dest, r.changed, r.incSize)
	}
}

// resetDirPerms restores the most recent permission elevation once the
// walk has crossed out of that directory's subtree.
func (c *CCPP) resetDirPerms(current rorp.Index) {
	last := c.dirPerms[len(c.dirPerms)-1]
	dirIdx := last.path.Index()

	if current.Compare(dirIdx) > 0 && !current.HasPrefix(dirIdx) {
		if err := last.path.Chmod(last.perms); err != nil {
			log.Warnw("cannot restore directory permissions",
				"path", last.path.Abs(), "error", err)
		}

		c.dirPerms = c.dirPerms[:len(c.dirPerms)-1]
	}
}

// updateParents keeps evicted directories reachable until every later
// index has ceased to be a descendant.
func (c *CCPP) updateParents(idx rorp.Index, src, dest *rorp.Record) {
	if !src.IsDir() && !dest.IsDir() {
		return
	}

	if len(c.parents) > 0 {
		lastIdx := c.parents[len(c.parents)-1].index

		// entry at position d holds the ancestor of depth d; moving to
		// a sibling subtree truncates the stale deeper levels
		if li := len(idx); li <= len(lastIdx) && li <= len(c.parents) {
			c.parents = c.parents[:li]
		}
	}

	c.parents = append(c.parents, parentEntry{index: idx.Clone(), src: src, dest: dest})
}

// Close drains the cache (committing every remaining row), restores any
// outstanding permission elevations in LIFO order, closes the metadata
// writer and converts the newly written snapshot into the reverse-diff
// chain.
func (c *CCPP) Close() error {
	for len(c.order) > 0 {
		c.shorten()
	}

	for i := len(c.dirPerms) - 1; i >= 0; i-- {
		dp := c.dirPerms[i]
		if err := dp.path.Chmod(dp.perms); err != nil {
			log.Warnw("cannot restore directory permissions",
				"path", dp.path.Abs(), "error", err)
		}
	}

	c.dirPerms = nil

	if c.fileStats != nil {
		if err := c.fileStats.Close(); err != nil {
			return err
		}
	}

	if err := c.meta.Close(); err != nil {
		return err
	}

	return c.store.ConvertNewestToDiff()
}
