package restore

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var (
	rfT1 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rfT2 = rfT1.Add(time.Hour)
	rfT3 = rfT1.Add(2 * time.Hour)
)

func inc(kind increment.Kind, ts time.Time) increment.Inc {
	return increment.Inc{Kind: kind, Time: ts}
}

func chainKinds(rf *RestoreFile) []string {
	var out []string

	for _, l := range rf.relevant {
		if l.inc == nil {
			out = append(out, "mirror")
		} else {
			out = append(out, string(l.inc.Kind))
		}
	}

	return out
}

func newRF(t *testing.T, incs []increment.Inc, restoreTime time.Time) *RestoreFile {
	t.Helper()

	tmp := rpath.New(t.TempDir())

	return NewRestoreFile(tmp.Append("f"), tmp.Append("incs").Append("f"), incs, restoreTime, rfT3)
}

func TestRelevantIncsMirrorOnly(t *testing.T) {
	rf := newRF(t, nil, rfT1)
	require.Equal(t, []string{"mirror"}, chainKinds(rf))

	// restore at or after the mirror time ignores increments entirely
	rf = newRF(t, []increment.Inc{inc(increment.KindDiff, rfT2)}, rfT3)
	require.Equal(t, []string{"mirror"}, chainKinds(rf))
}

func TestRelevantIncsDiffChain(t *testing.T) {
	incs := []increment.Inc{
		inc(increment.KindDiff, rfT1),
		inc(increment.KindDiff, rfT2),
	}

	rf := newRF(t, incs, rfT1)
	require.Equal(t, []string{"mirror", "diff", "diff"}, chainKinds(rf))

	rf = newRF(t, incs, rfT2)
	require.Equal(t, []string{"mirror", "diff"}, chainKinds(rf))
}

func TestRelevantIncsSnapshotTerminates(t *testing.T) {
	incs := []increment.Inc{
		inc(increment.KindDiff, rfT1),
		inc(increment.KindSnapshot, rfT2),
	}

	// the snapshot at t2 cuts the chain: the mirror is not needed
	rf := newRF(t, incs, rfT1)
	require.Equal(t, []string{"snapshot", "diff"}, chainKinds(rf))
}

func TestRelevantIncsMissingShortcut(t *testing.T) {
	incs := []increment.Inc{inc(increment.KindMissing, rfT1)}

	rf := newRF(t, incs, rfT1)
	require.Equal(t, []string{"missing"}, chainKinds(rf))
	require.False(t, rf.GetAttribs().Exists())
}

func TestRestoreReaderComposesChain(t *testing.T) {
	tmp := t.TempDir()

	mirrorDir := rpath.New(filepath.Join(tmp, "mirror"))
	incDir := rpath.New(filepath.Join(tmp, "incs"))
	require.NoError(t, os.Mkdir(mirrorDir.Abs(), 0o755))
	require.NoError(t, os.Mkdir(incDir.Abs(), 0o755))

	// mirror holds the newest state; the increment holds the snapshot of
	// the old state
	f := mirrorDir.Append("f")
	require.NoError(t, f.WriteString("newest"))

	snapName := increment.MakeName("f", rfT1, increment.KindSnapshot, false)
	require.NoError(t, incDir.Append(snapName).WriteString("oldest"))

	incs, err := increment.ListFor(incDir, "f")
	require.NoError(t, err)
	require.Len(t, incs, 1)

	rf := NewRestoreFile(f, incDir.Append("f"), incs, rfT1, rfT3)

	rd := rf.RestoreReader()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.Equal(t, "oldest", string(data))
}

func TestSubRFsPairsMirrorAndIncrements(t *testing.T) {
	tmp := t.TempDir()

	mirrorDir := rpath.New(filepath.Join(tmp, "mirror"))
	incDir := rpath.New(filepath.Join(tmp, "incs"))
	require.NoError(t, os.Mkdir(mirrorDir.Abs(), 0o755))
	require.NoError(t, os.Mkdir(incDir.Abs(), 0o755))

	require.NoError(t, mirrorDir.Append("live").WriteString("x"))
	require.NoError(t, incDir.Append(
		increment.MakeName("deleted", rfT1, increment.KindSnapshot, false)).WriteString("y"))
	require.NoError(t, incDir.Append(
		increment.MakeName("live", rfT1, increment.KindDiff, false)).WriteString("z"))

	rf := NewRestoreFile(mirrorDir, incDir, nil, rfT1, rfT3)

	subs, err := rf.SubRFs()
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.Equal(t, "deleted", subs[0].Index[len(subs[0].Index)-1])
	require.Len(t, subs[0].incs, 1)

	require.Equal(t, "live", subs[1].Index[len(subs[1].Index)-1])
	require.Len(t, subs[1].incs, 1)
}
