package client_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/client"
	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

func TestDiffsSnapshotAndDeletion(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "present"), []byte("data"), 0o644))

	sigs := rorpiter.FromSlice([]*rorp.Record{
		{Index: rorp.Index{"gone"}, Type: rorp.TypeRegular},
		rorpiter.Flush,
		{Index: rorp.Index{"present"}, Type: rorp.TypeAbsent},
	})

	diffs := client.Diffs(rpath.New(src), sigs, conf.Default())

	// the deleted source file becomes an empty snapshot diff
	d, err := diffs.Next()
	require.NoError(t, err)
	require.Equal(t, "gone", d.Index.String())
	require.False(t, d.Exists())
	require.Equal(t, rorp.AttachedSnapshot, d.Attached)

	// flush markers pass through
	d, err = diffs.Next()
	require.NoError(t, err)
	require.True(t, rorpiter.IsFlush(d))

	// a bare signature record yields a full snapshot with content
	d, err = diffs.Next()
	require.NoError(t, err)
	require.Equal(t, "present", d.Index.String())
	require.Equal(t, rorp.AttachedSnapshot, d.Attached)

	rd, err := d.OpenPayload()
	require.NoError(t, err)

	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.Equal(t, "data", string(data))

	_, err = diffs.Next()
	require.Equal(t, io.EOF, err)
}

func TestApplyDiffsWritesTree(t *testing.T) {
	target := t.TempDir()

	content := func(s string) rorp.PayloadFunc {
		return func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(s)), nil
		}
	}

	diffs := rorpiter.FromSlice([]*rorp.Record{
		{Index: rorp.Index{"d"}, Type: rorp.TypeDirectory, Perms: 0o755,
			Attached: rorp.AttachedSnapshot},
		{Index: rorp.Index{"d", "f"}, Type: rorp.TypeRegular, Perms: 0o640,
			Size: 5, ModTime: 1000, Attached: rorp.AttachedSnapshot,
			Payload: content("hello")},
		{Index: rorp.Index{"s"}, Type: rorp.TypeSymlink, SymlinkTarget: "d/f",
			Perms: 0o777, Attached: rorp.AttachedSnapshot},
	})

	eh := robust.NewHandler()
	require.NoError(t, client.ApplyDiffs(rpath.New(target), diffs, eh))
	require.Equal(t, robust.StatusOK, eh.Status())

	data, err := os.ReadFile(filepath.Join(target, "d", "f"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	fi, err := os.Lstat(filepath.Join(target, "d", "f"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), fi.Mode().Perm())

	link, err := os.Readlink(filepath.Join(target, "s"))
	require.NoError(t, err)
	require.Equal(t, "d/f", link)
}
