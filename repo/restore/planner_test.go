package restore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/restore"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var (
	t1 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t1.Add(2 * time.Hour)
)

func TestResolveRestoreTime(t *testing.T) {
	avail := []time.Time{t1, t2, t3}

	// exact hits
	for _, ts := range avail {
		got, err := restore.ResolveRestoreTime(ts, avail)
		require.NoError(t, err)
		require.True(t, got.Equal(ts))
	}

	// strictly between two backups: the older one wins
	got, err := restore.ResolveRestoreTime(t1.Add(30*time.Minute), avail)
	require.NoError(t, err)
	require.True(t, got.Equal(t1))

	got, err = restore.ResolveRestoreTime(t2.Add(time.Minute), avail)
	require.NoError(t, err)
	require.True(t, got.Equal(t2))

	// after the newest
	got, err = restore.ResolveRestoreTime(t3.Add(time.Hour), avail)
	require.NoError(t, err)
	require.True(t, got.Equal(t3))

	// before the oldest
	got, err = restore.ResolveRestoreTime(t1.Add(-time.Hour), avail)
	require.NoError(t, err)
	require.True(t, got.Equal(t1))

	_, err = restore.ResolveRestoreTime(t1, nil)
	require.Error(t, err)
}

func TestMirrorTime(t *testing.T) {
	dataDir := rpath.New(t.TempDir())

	_, err := restore.MirrorTime(dataDir)
	require.Error(t, err, "no markers")

	name := increment.MakeName(restore.MarkerBase, t2, increment.KindData, false)
	require.NoError(t, dataDir.Append(name).WriteString("PID 1\n"))

	got, err := restore.MirrorTime(dataDir)
	require.NoError(t, err)
	require.True(t, got.Equal(t2))

	// a second marker means an aborted session; the older time wins
	name = increment.MakeName(restore.MarkerBase, t3, increment.KindData, false)
	require.NoError(t, dataDir.Append(name).WriteString("PID 1\n"))

	got, err = restore.MirrorTime(dataDir)
	require.NoError(t, err)
	require.True(t, got.Equal(t2))
}
