package increment_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var incTime = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (mirror, incDir *rpath.Path) {
	t.Helper()

	tmp := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(tmp, "mirror"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(tmp, "incs"), 0o755))

	return rpath.New(filepath.Join(tmp, "mirror")), rpath.New(filepath.Join(tmp, "incs"))
}

func TestCreateMissing(t *testing.T) {
	mirror, incDir := setup(t)

	newFile := mirror.Append("f")
	require.NoError(t, newFile.WriteString("new"))

	inc, err := increment.Create(newFile.Record(), newFile, mirror.Append("f-nonexistent"),
		incDir.Append("f"), incTime, false)
	require.NoError(t, err)
	require.NotNil(t, inc)
	require.Equal(t, increment.KindMissing, inc.Kind)
	require.True(t, inc.Path.Exists())
}

func TestCreateDirMarker(t *testing.T) {
	mirror, incDir := setup(t)

	d := mirror.Append("d")
	require.NoError(t, d.Mkdir())

	inc, err := increment.Create(d.Record(), nil, d, incDir.Append("d"), incTime, false)
	require.NoError(t, err)
	require.Equal(t, increment.KindDir, inc.Kind)
}

func TestCreateSnapshotOnDelete(t *testing.T) {
	mirror, incDir := setup(t)

	old := mirror.Append("gone")
	require.NoError(t, old.WriteString("old content"))

	absent := mirror.Append("gone-replacement")

	inc, err := increment.Create(absent.Record(), absent, old, incDir.Append("gone"),
		incTime, true)
	require.NoError(t, err)
	require.Equal(t, increment.KindSnapshot, inc.Kind)
	require.True(t, inc.Compressed)

	rd, err := inc.Open()
	require.NoError(t, err)

	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.Equal(t, "old content", string(data))
}

func TestCreateDiffRestoresOldContent(t *testing.T) {
	mirror, incDir := setup(t)

	old := mirror.Append("f")
	require.NoError(t, old.WriteString("the OLD content of f"))

	updated := mirror.Append("f.tmp")
	require.NoError(t, updated.WriteString("the NEW content of f"))

	inc, err := increment.Create(updated.Record(), updated, old, incDir.Append("f"),
		incTime, true)
	require.NoError(t, err)
	require.Equal(t, increment.KindDiff, inc.Kind)

	// applying the stored delta to the new content yields the old content
	newF, err := updated.Open()
	require.NoError(t, err)
	defer newF.Close()

	delta, err := inc.Open()
	require.NoError(t, err)
	defer delta.Close()

	tmpOut, err := os.CreateTemp(t.TempDir(), "patched")
	require.NoError(t, err)
	defer tmpOut.Close()

	_, err = rdiff.Patch(newF, delta, tmpOut)
	require.NoError(t, err)

	_, err = tmpOut.Seek(0, io.SeekStart)
	require.NoError(t, err)

	got, err := io.ReadAll(tmpOut)
	require.NoError(t, err)
	require.Equal(t, "the OLD content of f", string(got))
}

func TestCreateSnapshotOfSymlink(t *testing.T) {
	mirror, incDir := setup(t)

	l := mirror.Append("l")
	require.NoError(t, l.Symlink("somewhere"))

	newFile := mirror.Append("l.new")
	require.NoError(t, newFile.WriteString("now a file"))

	inc, err := increment.Create(newFile.Record(), newFile, l, incDir.Append("l"),
		incTime, true)
	require.NoError(t, err)
	require.Equal(t, increment.KindSnapshot, inc.Kind)
	require.False(t, inc.Compressed, "symlink snapshots are stored as symlinks")
	require.True(t, inc.Path.Record().IsSym())
	require.Equal(t, "somewhere", inc.Path.Record().SymlinkTarget)
}

func TestCreateNothingForAbsentPair(t *testing.T) {
	mirror, incDir := setup(t)

	absent := mirror.Append("nothing")

	inc, err := increment.Create(absent.Record(), absent, mirror.Append("also-nothing"),
		incDir.Append("nothing"), incTime, false)
	require.NoError(t, err)
	require.Nil(t, inc)
}

func TestScanDir(t *testing.T) {
	_, incDir := setup(t)

	t1 := incTime
	t2 := incTime.Add(time.Hour)

	for _, name := range []string{
		increment.MakeName("f", t2, increment.KindDiff, true),
		increment.MakeName("f", t1, increment.KindSnapshot, true),
		increment.MakeName("g", t1, increment.KindMissing, false),
		"not-an-increment",
	} {
		require.NoError(t, incDir.Append(name).Touch())
	}

	got, err := increment.ScanDir(incDir)
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Len(t, got["f"], 2)
	require.True(t, got["f"][0].Time.Before(got["f"][1].Time), "sorted by time")
	require.Equal(t, increment.KindMissing, got["g"][0].Kind)
}
