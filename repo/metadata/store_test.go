package metadata_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var (
	t1 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func record(name string, size int64) *rorp.Record {
	return &rorp.Record{
		Index:   rorp.Index{name},
		Type:    rorp.TypeRegular,
		Size:    size,
		ModTime: 1000,
		Perms:   0o644,
	}
}

func writeSnapshot(t *testing.T, s *metadata.Store, ts time.Time, recs ...*rorp.Record) {
	t.Helper()

	w, err := s.NewWriter(ts)
	require.NoError(t, err)

	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}

	require.NoError(t, w.Close())
}

func drain(t *testing.T, it rorpiter.Iter) map[string]*rorp.Record {
	t.Helper()

	out := map[string]*rorp.Record{}

	for {
		r, err := it.Next()
		if err == io.EOF {
			return out
		}

		require.NoError(t, err)

		out[r.Index.String()] = r
	}
}

func TestWriteAndGetNewest(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), true)

	writeSnapshot(t, s, t1, record("a", 1), record("b", 2))

	it, err := s.GetAtTime(t1, nil)
	require.NoError(t, err)

	got := drain(t, it)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got["b"].Size)
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), false)

	w, err := s.NewWriter(t1)
	require.NoError(t, err)

	require.NoError(t, w.Write(record("b", 1)))
	require.Error(t, w.Write(record("a", 1)))
	require.NoError(t, w.Close())
}

func TestConvertNewestToDiff(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), true)

	// session 1: a, b, gone
	writeSnapshot(t, s, t1, record("a", 1), record("b", 2), record("gone", 3))

	// session 2: a unchanged, b grown, gone deleted, fresh added
	writeSnapshot(t, s, t2, record("a", 1), record("b", 22), record("fresh", 4))

	require.NoError(t, s.ConvertNewestToDiff())

	// the newest time still reads as a full snapshot
	got := drain(t, mustIter(t, s, t2))
	require.Len(t, got, 3)
	require.Equal(t, int64(22), got["b"].Size)

	// the older time is reconstructed through the reverse diff
	got = drain(t, mustIter(t, s, t1))
	require.Len(t, got, 3)
	require.Equal(t, int64(2), got["b"].Size)
	require.Equal(t, int64(3), got["gone"].Size)

	_, hasFresh := got["fresh"]
	require.False(t, hasFresh, "fresh did not exist at t1")

	// exactly one snapshot and one diff remain on disk
	times, err := s.EnumerateTimes()
	require.NoError(t, err)
	require.Len(t, times, 2)
}

func TestGetAtTimePrefix(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), false)

	sub := &rorp.Record{Index: rorp.Index{"d"}, Type: rorp.TypeDirectory, Perms: 0o755}
	inner := &rorp.Record{Index: rorp.Index{"d", "x"}, Type: rorp.TypeRegular, Size: 9, Perms: 0o644}

	writeSnapshot(t, s, t1, record("a", 1), sub, inner)

	it, err := s.GetAtTime(t1, rorp.Index{"d"})
	require.NoError(t, err)

	got := drain(t, it)
	require.Len(t, got, 2)

	_, hasA := got["a"]
	require.False(t, hasA)
}

func TestGetAtTimeUnknown(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), false)

	writeSnapshot(t, s, t1, record("a", 1))

	_, err := s.GetAtTime(t1.Add(time.Minute), nil)
	require.ErrorIs(t, err, metadata.ErrNoMetadata)

	empty := metadata.NewStore(rpath.New(t.TempDir()), false)
	_, err = empty.GetAtTime(t1, nil)
	require.ErrorIs(t, err, metadata.ErrNoMetadata)
}

func TestDeleteAt(t *testing.T) {
	s := metadata.NewStore(rpath.New(t.TempDir()), false)

	writeSnapshot(t, s, t1, record("a", 1))
	writeSnapshot(t, s, t2, record("a", 1))

	require.NoError(t, s.DeleteAt(t2))

	times, err := s.EnumerateTimes()
	require.NoError(t, err)
	require.Len(t, times, 1)
	require.True(t, times[0].Equal(t1))
}

func mustIter(t *testing.T, s *metadata.Store, ts time.Time) rorpiter.Iter {
	t.Helper()

	it, err := s.GetAtTime(ts, nil)
	require.NoError(t, err)

	return it
}
