package hardlink_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/hardlink"
	"github.com/ottok/rdiff-backup/repo/rorp"
)

func linked(name string, ino uint64, nlink int) *rorp.Record {
	return &rorp.Record{
		Index: rorp.Index{name},
		Type:  rorp.TypeRegular,
		Nlink: nlink,
		Inode: ino,
	}
}

func TestGrouping(t *testing.T) {
	tr := hardlink.NewTracker()

	x := linked("x", 7, 2)
	y := linked("y", 7, 2)
	z := linked("z", 8, 1)

	tr.Add(x, nil)
	tr.Add(y, nil)
	tr.Add(z, nil)

	require.False(t, tr.IsLinked(x), "first member carries the content")
	require.True(t, tr.IsLinked(y))
	require.Equal(t, rorp.Index{"x"}, tr.LinkIndex(y))
	require.False(t, tr.IsLinked(z), "nlink 1 is never grouped")
}

func TestRorpEq(t *testing.T) {
	tr := hardlink.NewTracker()

	// both sides see x first, then y linked to x
	srcX, srcY := linked("x", 7, 2), linked("y", 7, 2)
	dstX, dstY := linked("x", 40, 2), linked("y", 40, 2)

	tr.Add(srcX, dstX)
	tr.Add(srcY, dstY)

	require.True(t, tr.RorpEq(srcX, dstX))
	require.True(t, tr.RorpEq(srcY, dstY))

	// dest side groups y under a different first index
	tr2 := hardlink.NewTracker()
	srcX2, srcY2 := linked("x", 7, 2), linked("y", 7, 2)
	dstW, dstY2 := linked("w", 40, 2), linked("y", 40, 2)

	tr2.Add(srcX2, dstW)
	tr2.Add(srcY2, dstY2)

	require.False(t, tr2.RorpEq(srcY2, dstY2))
}

func TestSHA1Propagation(t *testing.T) {
	tr := hardlink.NewTracker()

	x := linked("x", 7, 2)
	y := linked("y", 7, 2)

	tr.Add(x, nil)
	tr.Add(y, nil)

	tr.SetSHA1(x, "cafe")
	require.Equal(t, "cafe", tr.SHA1(y))
}

func TestDelFreesGroup(t *testing.T) {
	tr := hardlink.NewTracker()

	x := linked("x", 7, 2)
	y := linked("y", 7, 2)

	tr.Add(x, nil)
	tr.Add(y, nil)
	tr.SetSHA1(x, "cafe")

	tr.Del(x)
	require.Equal(t, "cafe", tr.SHA1(y), "group lives until the last member is done")

	tr.Del(y)
	require.Equal(t, "", tr.SHA1(y))
}
