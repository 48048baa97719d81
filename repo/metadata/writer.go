package metadata

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// Writer appends records of the new full snapshot, in index order.
type Writer struct {
	path *rpath.Path
	f    *os.File
	gz   *pgzip.Writer
	bw   *bufio.Writer
	enc  *json.Encoder
	last rorp.Index
}

// NewWriter opens the snapshot file for the session at time t.
func (s *Store) NewWriter(t time.Time) (*Writer, error) {
	name := increment.MakeName(filePrefix, t, increment.KindSnapshot, s.compress)

	return newFileWriter(s.dataDir.Append(name), s.compress)
}

// Write appends one record. Records must arrive in strictly ascending index
// order; payloads are never stored.
func (w *Writer) Write(rec *rorp.Record) error {
	if w.last != nil && !w.last.Less(rec.Index) {
		return errors.Errorf("metadata write out of order: %v after %v", rec.Index, w.last)
	}

	w.last = rec.Index.Clone()

	return errors.Wrap(w.enc.Encode(rec), "encode metadata record")
}

// Close flushes and closes the snapshot file.
func (w *Writer) Close() error {
	err := w.bw.Flush()

	if w.gz != nil {
		if gerr := w.gz.Close(); err == nil {
			err = gerr
		}
	}

	if cerr := w.f.Close(); err == nil {
		err = cerr
	}

	return errors.Wrap(err, "close metadata writer")
}

func newFileWriter(p *rpath.Path, compress bool) (*Writer, error) {
	f, err := p.Create()
	if err != nil {
		return nil, err
	}

	w := &Writer{path: p, f: f}

	if compress {
		w.gz = pgzip.NewWriter(f)
		w.bw = bufio.NewWriter(w.gz)
	} else {
		w.bw = bufio.NewWriter(f)
	}

	w.enc = json.NewEncoder(w.bw)

	return w, nil
}
