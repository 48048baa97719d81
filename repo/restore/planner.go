// Package restore implements the repository-side restore engine: resolving
// the restore time, materializing per-file increment chains over the
// mirror, and streaming restored records back to the client side.
package restore

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var log = logging.Logger("rdiff/restore")

// MarkerBase is the base name of the current-mirror marker files.
const MarkerBase = "current_mirror"

// MirrorTime returns the time of the current mirror from the marker files.
// Two markers mean the previous session aborted; for listing purposes the
// older one is authoritative and a warning is logged.
func MirrorTime(dataDir *rpath.Path) (time.Time, error) {
	markers, err := increment.ListFor(dataDir, MarkerBase)
	if err != nil {
		return time.Time{}, err
	}

	switch len(markers) {
	case 0:
		return time.Time{}, errors.New("could not get time of current mirror")
	case 1:
		return markers[0].Time, nil
	default:
		log.Warnw("two different times for current mirror found",
			"older", markers[0].Time, "newer", markers[len(markers)-1].Time)

		return markers[0].Time, nil
	}
}

// IncrementTimes returns the union of the backup times known to the
// repository: the mirror marker, the increments tree, and the metadata
// store. Sorted ascending.
func IncrementTimes(dataDir *rpath.Path, store *metadata.Store) ([]time.Time, error) {
	seen := map[int64]time.Time{}

	mt, err := MirrorTime(dataDir)
	if err != nil {
		return nil, err
	}

	seen[mt.Unix()] = mt

	// root-level increments (increments.<t>.dir markers next to the
	// increments tree)
	rootIncs, err := increment.ListFor(dataDir, "increments")
	if err != nil {
		return nil, err
	}

	for _, inc := range rootIncs {
		seen[inc.Time.Unix()] = inc.Time
	}

	metaTimes, err := store.EnumerateTimes()
	if err != nil {
		return nil, err
	}

	for _, t := range metaTimes {
		seen[t.Unix()] = t
	}

	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })

	return out, nil
}

// ResolveRestoreTime maps a requested time onto an available backup time.
// A request strictly between two backups resolves to the older one,
// because that is what the mirror held at the requested moment; a request
// older than everything resolves to the oldest backup.
func ResolveRestoreTime(requested time.Time, available []time.Time) (time.Time, error) {
	if len(available) == 0 {
		return time.Time{}, errors.New("no backup times available")
	}

	var older []time.Time

	for _, t := range available {
		if !t.After(requested) {
			older = append(older, t)
		}
	}

	if len(older) > 0 {
		return older[len(older)-1], nil
	}

	return available[0], nil
}
