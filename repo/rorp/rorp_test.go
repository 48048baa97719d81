package rorp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

func TestIndexOrdering(t *testing.T) {
	cases := []struct {
		a, b rorp.Index
		want int
	}{
		{rorp.Index{}, rorp.Index{}, 0},
		{rorp.Index{}, rorp.Index{"a"}, -1},
		{rorp.Index{"a"}, rorp.Index{}, 1},
		{rorp.Index{"a"}, rorp.Index{"a"}, 0},
		{rorp.Index{"a"}, rorp.Index{"b"}, -1},
		{rorp.Index{"a", "b"}, rorp.Index{"ab"}, -1},
		{rorp.Index{"a", "z"}, rorp.Index{"a", "b", "c"}, 1},
		{rorp.Index{"a", "b"}, rorp.Index{"a", "b", "c"}, -1},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, tc.a.Compare(tc.b), "%v vs %v", tc.a, tc.b)
		require.Equal(t, -tc.want, tc.b.Compare(tc.a), "%v vs %v reversed", tc.b, tc.a)
	}
}

func TestIndexPrefix(t *testing.T) {
	require.True(t, rorp.Index{"a", "b"}.HasPrefix(rorp.Index{"a"}))
	require.True(t, rorp.Index{"a", "b"}.HasPrefix(rorp.Index{}))
	require.True(t, rorp.Index{"a"}.HasPrefix(rorp.Index{"a"}))
	require.False(t, rorp.Index{"ab"}.HasPrefix(rorp.Index{"a"}))
	require.False(t, rorp.Index{"a"}.HasPrefix(rorp.Index{"a", "b"}))
}

func TestIndexParentAppend(t *testing.T) {
	idx := rorp.Index{"a", "b"}
	require.Equal(t, rorp.Index{"a"}, idx.Parent())
	require.Nil(t, rorp.Index{}.Parent())

	child := idx.Append("c")
	require.Equal(t, rorp.Index{"a", "b", "c"}, child)
	require.Equal(t, rorp.Index{"a", "b"}, idx, "append must not mutate the receiver")
}

func TestRecordEqual(t *testing.T) {
	a := &rorp.Record{
		Index:   rorp.Index{"x"},
		Type:    rorp.TypeRegular,
		Size:    10,
		ModTime: 1000,
		Perms:   0o644,
	}
	b := a.Clone()

	require.True(t, a.Equal(b))

	b.ModTime = 1001
	require.False(t, a.Equal(b))

	b = a.Clone()
	b.Perms = 0o600
	require.False(t, a.Equal(b))

	// symlink targets matter, sizes of symlinks do not
	s1 := &rorp.Record{Index: rorp.Index{"l"}, Type: rorp.TypeSymlink, SymlinkTarget: "x", Perms: 0o777}
	s2 := s1.Clone()
	s2.Size = 99
	require.True(t, s1.Equal(s2))
	s2.SymlinkTarget = "y"
	require.False(t, s1.Equal(s2))
}

func TestRecordEqualLoose(t *testing.T) {
	a := &rorp.Record{Type: rorp.TypeRegular, Size: 5, ModTime: 77, Perms: 0o644, UID: 1, GID: 1}
	b := a.Clone()
	b.UID = 2

	require.False(t, a.EqualLoose(b, true))
	require.True(t, a.EqualLoose(b, false))

	b = a.Clone()
	b.Size = 6
	require.False(t, a.EqualLoose(b, false))
}

func TestCloneIndependence(t *testing.T) {
	a := &rorp.Record{
		Index:  rorp.Index{"x"},
		Type:   rorp.TypeRegular,
		XAttrs: map[string][]byte{"user.k": []byte("v")},
	}
	a.FlagLinked(rorp.Index{"y"})

	b := a.Clone()
	b.Index[0] = "z"
	b.XAttrs["user.k"][0] = 'w'

	require.Equal(t, "x", a.Index[0])
	require.Equal(t, []byte("v"), a.XAttrs["user.k"])
	require.True(t, b.IsFlagLinked())
	require.Equal(t, rorp.Index{"y"}, b.LinkedTo)
}

func TestAbsent(t *testing.T) {
	r := rorp.NewAbsent(rorp.Index{"gone"})
	require.False(t, r.Exists())
	require.False(t, r.IsReg())

	var nilRec *rorp.Record

	require.False(t, nilRec.Exists())
	require.False(t, nilRec.IsDir())
	require.False(t, nilRec.IsFlagLinked())
}
