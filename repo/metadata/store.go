// Package metadata implements the time-indexed store of path records kept
// in the repository data directory. The newest session is a full snapshot;
// every older session is stored as a reverse diff against the session after
// it, mirroring the layout of the file increments.
package metadata

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var log = logging.Logger("rdiff/metadata")

// ErrNoMetadata is returned by GetAtTime when the store holds nothing for
// the requested time.
var ErrNoMetadata = errors.New("no metadata for requested time")

const filePrefix = "mirror_metadata"

// Store reads and writes the metadata files of one repository.
type Store struct {
	dataDir  *rpath.Path
	compress bool
}

// NewStore returns a store over the given data directory.
func NewStore(dataDir *rpath.Path, compress bool) *Store {
	return &Store{dataDir: dataDir, compress: compress}
}

func (s *Store) incs() ([]increment.Inc, error) {
	return increment.ListFor(s.dataDir, filePrefix)
}

// EnumerateTimes returns the session times known to the store, ascending.
func (s *Store) EnumerateTimes() ([]time.Time, error) {
	incs, err := s.incs()
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, len(incs))
	for _, inc := range incs {
		out = append(out, inc.Time)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })

	return out, nil
}

func decodeAll(inc increment.Inc, apply func(*rorp.Record)) error {
	r, err := inc.Open()
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck

	dec := json.NewDecoder(bufio.NewReader(r))

	for {
		rec := &rorp.Record{}

		err := dec.Decode(rec)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return errors.Wrapf(err, "decode metadata %v", inc.Path.Abs())
		}

		apply(rec)
	}
}

func (s *Store) loadMap(inc increment.Inc) (map[string]*rorp.Record, error) {
	recs := map[string]*rorp.Record{}

	err := decodeAll(inc, func(rec *rorp.Record) {
		recs[rec.Index.String()] = rec
	})
	if err != nil {
		return nil, err
	}

	return recs, nil
}

// GetAtTime returns the record stream of the snapshot at time t, restricted
// to indices at or under prefix when prefix is non-nil. The newest snapshot
// streams directly; older times are reconstructed by applying the stored
// reverse diffs.
func (s *Store) GetAtTime(t time.Time, prefix rorp.Index) (rorpiter.Iter, error) {
	incs, err := s.incs()
	if err != nil {
		return nil, err
	}

	var snap *increment.Inc

	var diffs []increment.Inc

	for i := range incs {
		inc := incs[i]

		switch {
		case inc.Kind == increment.KindSnapshot && !inc.Time.Before(t):
			if snap == nil || inc.Time.Before(snap.Time) {
				snap = &incs[i]
			}
		case inc.Kind == increment.KindDiff && !inc.Time.Before(t):
			diffs = append(diffs, inc)
		}
	}

	if snap == nil {
		return nil, ErrNoMetadata
	}

	found := false

	for _, inc := range incs {
		if inc.Time.Equal(t) {
			found = true
			break
		}
	}

	if !found {
		return nil, ErrNoMetadata
	}

	recs, err := s.loadMap(*snap)
	if err != nil {
		return nil, err
	}

	// apply reverse diffs newest-first down to the requested time
	sort.Slice(diffs, func(a, b int) bool { return diffs[a].Time.After(diffs[b].Time) })

	for _, d := range diffs {
		if d.Time.After(snap.Time) || d.Time.Before(t) {
			continue
		}

		err := decodeAll(d, func(rec *rorp.Record) {
			if rec.Type == rorp.TypeAbsent {
				delete(recs, rec.Index.String())
			} else {
				recs[rec.Index.String()] = rec
			}
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]*rorp.Record, 0, len(recs))

	for _, rec := range recs {
		if prefix != nil && !rec.Index.HasPrefix(prefix) {
			continue
		}

		out = append(out, rec)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Index.Less(out[b].Index) })

	return rorpiter.FromSlice(out), nil
}

// ConvertNewestToDiff compacts the second-newest full snapshot into a
// reverse diff against the newest one. Called at the end of a successful
// session, after the new snapshot is fully written.
func (s *Store) ConvertNewestToDiff() error {
	incs, err := s.incs()
	if err != nil {
		return err
	}

	var snaps []increment.Inc

	for _, inc := range incs {
		if inc.Kind == increment.KindSnapshot {
			snaps = append(snaps, inc)
		}
	}

	if len(snaps) < 2 {
		return nil
	}

	sort.Slice(snaps, func(a, b int) bool { return snaps[a].Time.Before(snaps[b].Time) })

	prev, newest := snaps[len(snaps)-2], snaps[len(snaps)-1]

	prevRecs, err := s.loadMap(prev)
	if err != nil {
		return err
	}

	newRecs, err := s.loadMap(newest)
	if err != nil {
		return err
	}

	var entries []*rorp.Record

	for key, rec := range prevRecs {
		if n, ok := newRecs[key]; !ok || !n.Equal(rec) {
			entries = append(entries, rec)
		}
	}

	for key, rec := range newRecs {
		if _, ok := prevRecs[key]; !ok {
			entries = append(entries, rorp.NewAbsent(rec.Index))
		}
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].Index.Less(entries[b].Index) })

	diffName := increment.MakeName(filePrefix, prev.Time, increment.KindDiff, s.compress)
	diffPath := s.dataDir.Append(diffName)

	if err := s.writeRecords(diffPath, entries); err != nil {
		return err
	}

	log.Debugw("converted metadata snapshot to diff",
		"time", prev.Time, "entries", len(entries))

	return prev.Path.Delete()
}

func (s *Store) writeRecords(p *rpath.Path, recs []*rorp.Record) error {
	w, err := newFileWriter(p, s.compress)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close() //nolint:errcheck
			return err
		}
	}

	return w.Close()
}

// DeleteAt removes every metadata file with the given timestamp; used when
// cleaning up after an aborted session.
func (s *Store) DeleteAt(t time.Time) error {
	incs, err := s.incs()
	if err != nil {
		return err
	}

	for _, inc := range incs {
		if inc.Time.Equal(t) {
			if err := inc.Path.Delete(); err != nil {
				return err
			}
		}
	}

	return nil
}
