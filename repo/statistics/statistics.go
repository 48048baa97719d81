// Package statistics tracks per-session and per-file counters and writes
// the statistics files kept in the repository data directory.
package statistics

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// Session accumulates the counters of one backup session.
type Session struct {
	StartTime time.Time
	EndTime   time.Time

	SourceFiles       int64
	SourceFileSize    int64
	MirrorFiles       int64
	MirrorFileSize    int64
	ChangedFiles      int64
	ChangedSourceSize int64
	ChangedMirrorSize int64
	IncrementFiles    int64
	IncrementFileSize int64
	Errors            int64
}

// NewSession returns an empty statistics accumulator.
func NewSession(start time.Time) *Session {
	return &Session{StartTime: start}
}

// AddSourceFile counts one file seen on the source side.
func (s *Session) AddSourceFile(rec *rorp.Record) {
	if rec == nil || !rec.Exists() {
		return
	}

	s.SourceFiles++

	if rec.IsReg() {
		s.SourceFileSize += rec.Size
	}
}

// AddDestFile counts one file seen on the mirror side.
func (s *Session) AddDestFile(rec *rorp.Record) {
	if rec == nil || !rec.Exists() {
		return
	}

	s.MirrorFiles++

	if rec.IsReg() {
		s.MirrorFileSize += rec.Size
	}
}

// AddChanged counts one changed file pair.
func (s *Session) AddChanged(src, dest *rorp.Record) {
	s.ChangedFiles++

	if src.IsReg() {
		s.ChangedSourceSize += src.Size
	}

	if dest.IsReg() {
		s.ChangedMirrorSize += dest.Size
	}
}

// AddIncrement counts one written increment file.
func (s *Session) AddIncrement(size int64) {
	s.IncrementFiles++
	s.IncrementFileSize += size
}

// AddError counts one handled per-file error.
func (s *Session) AddError() {
	s.Errors++
}

// WriteTo writes session_statistics.<t>.data into the data directory. The
// file is written atomically via a rename.
func (s *Session) WriteTo(dataDir *rpath.Path, t, end time.Time) error {
	s.EndTime = end

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "StartTime %d\n", s.StartTime.Unix())
	fmt.Fprintf(&buf, "EndTime %d\n", s.EndTime.Unix())
	fmt.Fprintf(&buf, "ElapsedTime %d\n", int64(s.EndTime.Sub(s.StartTime).Seconds()))
	fmt.Fprintf(&buf, "SourceFiles %d\n", s.SourceFiles)
	fmt.Fprintf(&buf, "SourceFileSize %d\n", s.SourceFileSize)
	fmt.Fprintf(&buf, "MirrorFiles %d\n", s.MirrorFiles)
	fmt.Fprintf(&buf, "MirrorFileSize %d\n", s.MirrorFileSize)
	fmt.Fprintf(&buf, "ChangedFiles %d\n", s.ChangedFiles)
	fmt.Fprintf(&buf, "ChangedSourceSize %d\n", s.ChangedSourceSize)
	fmt.Fprintf(&buf, "ChangedMirrorSize %d\n", s.ChangedMirrorSize)
	fmt.Fprintf(&buf, "IncrementFiles %d\n", s.IncrementFiles)
	fmt.Fprintf(&buf, "IncrementFileSize %d\n", s.IncrementFileSize)
	fmt.Fprintf(&buf, "Errors %d\n", s.Errors)

	name := increment.MakeName("session_statistics", t, increment.KindData, false)
	p := dataDir.Append(name)

	return errors.Wrap(atomic.WriteFile(p.Abs(), &buf), "write session statistics")
}

// FileStats writes one line per processed file into
// file_statistics.<t>.data.gz.
type FileStats struct {
	f  *os.File
	gz *pgzip.Writer
	bw *bufio.Writer
}

// NewFileStats opens the per-file statistics log for the session at t.
func NewFileStats(dataDir *rpath.Path, t time.Time) (*FileStats, error) {
	name := increment.MakeName("file_statistics", t, increment.KindData, true)

	f, err := dataDir.Append(name).Create()
	if err != nil {
		return nil, err
	}

	gz := pgzip.NewWriter(f)

	return &FileStats{f: f, gz: gz, bw: bufio.NewWriter(gz)}, nil
}

// Update records the outcome of one file.
func (fs *FileStats) Update(src, dest *rorp.Record, changed bool, incSize int64) {
	var idx rorp.Index
	if src != nil {
		idx = src.Index
	} else if dest != nil {
		idx = dest.Index
	}

	chg := 0
	if changed {
		chg = 1
	}

	var size int64
	if src.IsReg() {
		size = src.Size
	}

	fmt.Fprintf(fs.bw, "%s %d %d %d\n", idx, chg, size, incSize)
}

// Close flushes and closes the log.
func (fs *FileStats) Close() error {
	err := fs.bw.Flush()

	if gerr := fs.gz.Close(); err == nil {
		err = gerr
	}

	if cerr := fs.f.Close(); err == nil {
		err = cerr
	}

	return errors.Wrap(err, "close file statistics")
}
