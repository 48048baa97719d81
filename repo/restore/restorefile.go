package restore

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
	"github.com/ottok/rdiff-backup/repo/shadow"
)

// chainLink is one element of a restore chain: an increment file, or the
// mirror itself when inc is nil.
type chainLink struct {
	inc    *increment.Inc
	mirror *rpath.Path
}

func (l chainLink) kind() increment.Kind {
	if l.inc == nil {
		return increment.KindSnapshot
	}

	return l.inc.Kind
}

func (l chainLink) open() (io.ReadCloser, error) {
	if l.inc == nil {
		return l.mirror.Open()
	}

	return l.inc.Open()
}

// RestoreFile couples one mirror path with the increments that apply to it
// and the chain relevant for the configured restore time.
type RestoreFile struct {
	Index rorp.Index

	mirror  *rpath.Path
	incPath *rpath.Path
	incs    []increment.Inc

	restoreTime time.Time
	mirrorTime  time.Time

	// relevant is ordered newest-state-first: a snapshot (or the mirror)
	// followed by the diffs leading back to the restore time.
	relevant []chainLink
}

// NewRestoreFile builds the restore view of one mirror path.
func NewRestoreFile(mirror, incPath *rpath.Path, incs []increment.Inc,
	restoreTime, mirrorTime time.Time,
) *RestoreFile {
	rf := &RestoreFile{
		Index:       mirror.Index().Clone(),
		mirror:      mirror,
		incPath:     incPath,
		incs:        incs,
		restoreTime: restoreTime,
		mirrorTime:  mirrorTime,
	}
	rf.setRelevantIncs()

	return rf
}

// setRelevantIncs selects the shortest chain reconstructing the state at
// the restore time: the increments at or after the restore time, ascending,
// cut at the first non-diff; when everything is a diff the mirror itself
// terminates the chain. Stored newest-state-first so patching runs forward.
func (rf *RestoreFile) setRelevantIncs() {
	if len(rf.incs) == 0 || !rf.restoreTime.Before(rf.mirrorTime) {
		rf.relevant = []chainLink{{mirror: rf.mirror}}
		return
	}

	var newer []increment.Inc

	for _, inc := range rf.incs {
		if !inc.Time.Before(rf.restoreTime) {
			newer = append(newer, inc)
		}
	}

	sort.Slice(newer, func(a, b int) bool { return newer[a].Time.Before(newer[b].Time) })

	cut := 0
	for cut < len(newer) && newer[cut].Kind == increment.KindDiff {
		cut++
	}

	if cut < len(newer) {
		newer = newer[:cut+1]
	}

	links := make([]chainLink, 0, len(newer)+1)

	for i := range newer {
		links = append(links, chainLink{inc: &newer[i]})
	}

	if len(links) == 0 || links[len(links)-1].kind() == increment.KindDiff {
		links = append(links, chainLink{mirror: rf.mirror})
	}

	// reverse: the terminating snapshot comes first, diffs apply forward
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}

	rf.relevant = links
}

// GetAttribs returns the record of this path at the restore time, without
// content. Sizes taken from diff increments are approximate; the metadata
// store is the authoritative source when present.
func (rf *RestoreFile) GetAttribs() *rorp.Record {
	last := rf.relevant[len(rf.relevant)-1]

	if last.inc == nil {
		rec := rf.mirror.Record().Clone()
		rec.Index = rf.Index.Clone()

		return rec
	}

	switch last.inc.Kind {
	case increment.KindMissing:
		return rorp.NewAbsent(rf.Index)

	case increment.KindDir:
		rec := last.inc.Path.Record().Clone()
		rec.Index = rf.Index.Clone()
		rec.Type = rorp.TypeDirectory

		return rec

	default:
		rec := last.inc.Path.Record().Clone()
		rec.Index = rf.Index.Clone()

		return rec
	}
}

// RestoreReader composes the relevant chain into the restored content of a
// regular file. Any failure substitutes an empty file with a warning.
func (rf *RestoreFile) RestoreReader() io.ReadCloser {
	last := rf.relevant[len(rf.relevant)-1]
	if last.kind() != increment.KindSnapshot && last.kind() != increment.KindDiff {
		log.Warnw("cannot restore file content: chain does not end in restorable data",
			"path", rf.Index.String(), "kind", string(last.kind()))

		return emptyReader()
	}

	rc, err := rf.composeChain()
	if err != nil {
		log.Warnw("failed reading increments, substituting empty file",
			"path", rf.Index.String(), "error", err)

		return emptyReader()
	}

	return rc
}

func (rf *RestoreFile) composeChain() (io.ReadCloser, error) {
	first := rf.relevant[0]
	if first.kind() != increment.KindSnapshot {
		return nil, errors.Errorf("restore chain starts with %q, not a snapshot",
			first.kind())
	}

	cur, err := tempFromReader(first)
	if err != nil {
		return nil, err
	}

	for _, link := range rf.relevant[1:] {
		if link.kind() != increment.KindDiff {
			return nil, errors.Errorf("restore chain continues with %q, not a diff",
				link.kind())
		}

		delta, err := link.open()
		if err != nil {
			cur.Close() //nolint:errcheck
			return nil, err
		}

		next, err := tempFile()
		if err != nil {
			delta.Close() //nolint:errcheck
			cur.Close()   //nolint:errcheck

			return nil, err
		}

		_, perr := rdiff.Patch(cur, delta, next)

		delta.Close() //nolint:errcheck
		cur.Close()   //nolint:errcheck

		if perr != nil {
			next.Close() //nolint:errcheck
			return nil, perr
		}

		if _, err := next.Seek(0, io.SeekStart); err != nil {
			next.Close() //nolint:errcheck
			return nil, err
		}

		cur = next
	}

	return cur, nil
}

// SubRFs lists the restore files one level below this one, pairing the
// mirror directory listing with the increment files grouped under their
// base names. The repository data directory never appears in the stream.
func (rf *RestoreFile) SubRFs() ([]*RestoreFile, error) {
	if !rf.mirror.IsDir() && !rf.incPath.IsDir() {
		return nil, nil
	}

	bases := map[string][]increment.Inc{}

	if rf.mirror.IsDir() {
		names, err := rf.mirror.Listdir()
		if err != nil {
			log.Warnw("cannot list mirror directory, substituting empty listing",
				"path", rf.mirror.Abs(), "error", err)
		}

		for _, n := range names {
			if len(rf.Index) == 0 && n == shadow.DataDirName {
				continue
			}

			if _, ok := bases[n]; !ok {
				bases[n] = nil
			}
		}
	}

	if rf.incPath.IsDir() {
		names, err := rf.incPath.Listdir()
		if err != nil {
			log.Warnw("cannot list increments directory, substituting empty listing",
				"path", rf.incPath.Abs(), "error", err)
		}

		for _, n := range names {
			base, t, kind, gz, ok := increment.ParseName(n)

			switch {
			case ok && kind != increment.KindData:
				bases[base] = append(bases[base], increment.Inc{
					Path:       rf.incPath.Append(n),
					Base:       base,
					Time:       t,
					Kind:       kind,
					Compressed: gz,
				})
			case !ok && rf.incPath.Append(n).IsDir():
				if _, seen := bases[n]; !seen {
					bases[n] = nil
				}
			}
		}
	}

	names := make([]string, 0, len(bases))
	for n := range bases {
		names = append(names, n)
	}

	sort.Strings(names)

	out := make([]*RestoreFile, 0, len(names))

	for _, n := range names {
		out = append(out, NewRestoreFile(
			rf.mirror.Append(n),
			rf.incPath.Append(n),
			bases[n],
			rf.restoreTime,
			rf.mirrorTime,
		))
	}

	return out, nil
}

type removeOnClose struct {
	*os.File
}

func (r *removeOnClose) Close() error {
	err := r.File.Close()
	os.Remove(r.File.Name()) //nolint:errcheck

	return err
}

func tempFile() (*removeOnClose, error) {
	f, err := os.CreateTemp("", "rdiff-backup-restore")
	if err != nil {
		return nil, errors.Wrap(err, "restore temp file")
	}

	return &removeOnClose{File: f}, nil
}

func tempFromReader(link chainLink) (*removeOnClose, error) {
	src, err := link.open()
	if err != nil {
		return nil, err
	}
	defer src.Close() //nolint:errcheck

	f, err := tempFile()
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "stage snapshot")
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}

	return f, nil
}

func emptyReader() io.ReadCloser {
	return io.NopCloser(&emptyR{})
}

type emptyR struct{}

func (emptyR) Read([]byte) (int, error) { return 0, io.EOF }
