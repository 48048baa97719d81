package increment

import (
	"bytes"
	"io"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var log = logging.Logger("rdiff/increment")

// Inc describes one increment file on disk.
type Inc struct {
	Path       *rpath.Path
	Base       string
	Time       time.Time
	Kind       Kind
	Compressed bool
}

// Size returns the on-disk size of the increment file.
func (i *Inc) Size() int64 {
	return i.Path.Record().Size
}

// Open returns a reader over the increment content, decompressing when
// needed.
func (i *Inc) Open() (io.ReadCloser, error) {
	f, err := i.Path.Open()
	if err != nil {
		return nil, err
	}

	if !i.Compressed {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "gunzip increment")
	}

	return &gzReadCloser{gz: gz, f: f}, nil
}

type gzReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}

	return err
}

// ScanDir lists dir and groups the increment files by base name. Non-
// increment entries are ignored.
func ScanDir(dir *rpath.Path) (map[string][]Inc, error) {
	names, err := dir.Listdir()
	if err != nil {
		return nil, err
	}

	out := map[string][]Inc{}

	for _, name := range names {
		base, t, kind, gz, ok := ParseName(name)
		if !ok {
			continue
		}

		out[base] = append(out[base], Inc{
			Path:       dir.Append(name),
			Base:       base,
			Time:       t,
			Kind:       kind,
			Compressed: gz,
		})
	}

	for base := range out {
		incs := out[base]
		sort.Slice(incs, func(a, b int) bool {
			if !incs[a].Time.Equal(incs[b].Time) {
				return incs[a].Time.Before(incs[b].Time)
			}

			// deterministic tiebreak on the full filename
			return incs[a].Path.Base() < incs[b].Path.Base()
		})
	}

	return out, nil
}

// ListFor returns the increments in dir whose base matches, sorted by time
// with a filename tiebreak.
func ListFor(dir *rpath.Path, base string) ([]Inc, error) {
	all, err := ScanDir(dir)
	if err != nil {
		return nil, err
	}

	return all[base], nil
}

// Create writes the increment preserving the previous mirror state, named
// after prefix with the given timestamp. newRec describes the freshly
// written replacement state (absent when the file was deleted) and newPath
// points at its content when it is a regular file; mirror is the
// still-unchanged previous state. The caller fsyncs the result before
// renaming the mirror.
//
// Kind selection: a directory mirror yields a dir marker; regular-to-
// regular yields a reverse diff of the mirror against the new content; an
// absent mirror yields a missing marker; anything else yields a snapshot.
func Create(newRec *rorp.Record, newPath, mirror, prefix *rpath.Path, t time.Time, compress bool) (*Inc, error) {
	newExists := newRec.Exists()

	if !newExists && !mirror.Exists() {
		return nil, nil
	}

	switch {
	case mirror.IsDir():
		return makeMarker(prefix, t, KindDir)

	case newExists && newRec.IsReg() && newPath != nil && mirror.IsReg():
		return makeDiff(newPath, mirror, prefix, t, compress)

	case !mirror.Exists():
		return makeMarker(prefix, t, KindMissing)

	default:
		return makeSnapshot(mirror, prefix, t, compress)
	}
}

func incPath(prefix *rpath.Path, t time.Time, kind Kind, compressed bool) (*rpath.Path, error) {
	parent := prefix.Index().Parent()
	name := MakeName(prefix.Base(), t, kind, compressed)

	// the increments tree mirrors the live tree; grow it as needed
	if err := prefix.NewIndex(parent).MkdirAll(); err != nil {
		return nil, err
	}

	return prefix.NewIndex(parent.Append(name)), nil
}

func makeMarker(prefix *rpath.Path, t time.Time, kind Kind) (*Inc, error) {
	p, err := incPath(prefix, t, kind, false)
	if err != nil {
		return nil, err
	}

	if err := p.Touch(); err != nil {
		return nil, err
	}

	return &Inc{Path: p, Base: prefix.Base(), Time: t, Kind: kind}, nil
}

func makeDiff(newState, mirror, prefix *rpath.Path, t time.Time, compress bool) (*Inc, error) {
	p, err := incPath(prefix, t, KindDiff, compress)
	if err != nil {
		return nil, err
	}

	nf, err := newState.Open()
	if err != nil {
		return nil, err
	}
	defer nf.Close() //nolint:errcheck

	var sig bytes.Buffer
	if err := rdiff.WriteSignature(nf, newState.Record().Size, &sig); err != nil {
		return nil, err
	}

	mf, err := mirror.Open()
	if err != nil {
		return nil, err
	}
	defer mf.Close() //nolint:errcheck

	out, err := p.Create()
	if err != nil {
		return nil, err
	}

	var w io.Writer = out

	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(out)
		w = gz
	}

	err = rdiff.Delta(bytes.NewReader(sig.Bytes()), mf, w)

	if gz != nil {
		if gerr := gz.Close(); err == nil {
			err = gerr
		}
	}

	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		p.Delete() //nolint:errcheck
		return nil, errors.Wrap(err, "write diff increment")
	}

	return &Inc{Path: p, Base: prefix.Base(), Time: t, Kind: KindDiff, Compressed: compress}, nil
}

func makeSnapshot(mirror, prefix *rpath.Path, t time.Time, compress bool) (*Inc, error) {
	rec := mirror.Record()

	switch rec.Type {
	case rorp.TypeRegular:
		p, err := incPath(prefix, t, KindSnapshot, compress)
		if err != nil {
			return nil, err
		}

		mf, err := mirror.Open()
		if err != nil {
			return nil, err
		}
		defer mf.Close() //nolint:errcheck

		out, err := p.Create()
		if err != nil {
			return nil, err
		}

		var w io.Writer = out

		var gz *gzip.Writer
		if compress {
			gz = gzip.NewWriter(out)
			w = gz
		}

		_, err = io.Copy(w, mf)

		if gz != nil {
			if gerr := gz.Close(); err == nil {
				err = gerr
			}
		}

		if cerr := out.Close(); err == nil {
			err = cerr
		}

		if err != nil {
			p.Delete() //nolint:errcheck
			return nil, errors.Wrap(err, "write snapshot increment")
		}

		if aerr := rpath.CopyAttribs(rec, p); aerr != nil {
			log.Warnw("cannot copy attributes to increment",
				"path", p.Abs(), "error", aerr)
		}

		return &Inc{Path: p, Base: prefix.Base(), Time: t, Kind: KindSnapshot, Compressed: compress}, nil

	case rorp.TypeSymlink:
		p, err := incPath(prefix, t, KindSnapshot, false)
		if err != nil {
			return nil, err
		}

		if err := p.Symlink(rec.SymlinkTarget); err != nil {
			return nil, err
		}

		return &Inc{Path: p, Base: prefix.Base(), Time: t, Kind: KindSnapshot}, nil

	default:
		// fifo, socket or device: the snapshot carries only the stat
		// metadata, so an empty placeholder with copied attributes is
		// enough to reconstruct it
		p, err := incPath(prefix, t, KindSnapshot, false)
		if err != nil {
			return nil, err
		}

		if err := p.Touch(); err != nil {
			return nil, err
		}

		if aerr := rpath.CopyAttribs(rec, p); aerr != nil {
			log.Warnw("cannot copy attributes to increment",
				"path", p.Abs(), "error", aerr)
		}

		return &Inc{Path: p, Base: prefix.Base(), Time: t, Kind: KindSnapshot}, nil
	}
}
