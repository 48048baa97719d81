package rorpiter_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
)

func rec(components ...string) *rorp.Record {
	return &rorp.Record{Index: rorp.Index(components), Type: rorp.TypeRegular}
}

func dirRec(components ...string) *rorp.Record {
	return &rorp.Record{Index: rorp.Index(components), Type: rorp.TypeDirectory}
}

func TestCollate(t *testing.T) {
	a := rorpiter.FromSlice([]*rorp.Record{rec("a"), rec("b"), rec("d")})
	b := rorpiter.FromSlice([]*rorp.Record{rec("b"), rec("c"), rec("d")})

	c := rorpiter.Collate(a, b)

	var got []string

	for {
		p, err := c.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		l, r := "-", "-"
		if p.Source != nil {
			l = p.Source.Index.String()
		}

		if p.Dest != nil {
			r = p.Dest.Index.String()
		}

		got = append(got, l+"/"+r)
	}

	require.Equal(t, []string{"a/-", "b/b", "-/c", "d/d"}, got)
}

func TestCollateEmptySides(t *testing.T) {
	c := rorpiter.Collate(
		rorpiter.FromSlice(nil),
		rorpiter.FromSlice([]*rorp.Record{rec("a")}),
	)

	p, err := c.Next()
	require.NoError(t, err)
	require.Nil(t, p.Source)
	require.Equal(t, "a", p.Dest.Index.String())

	_, err = c.Next()
	require.Equal(t, io.EOF, err)

	// both empty
	c = rorpiter.Collate(rorpiter.FromSlice(nil), rorpiter.FromSlice(nil))
	_, err = c.Next()
	require.Equal(t, io.EOF, err)
}

func TestCollateOrderViolation(t *testing.T) {
	c := rorpiter.Collate(
		rorpiter.FromSlice([]*rorp.Record{rec("b"), rec("a")}),
		rorpiter.FromSlice(nil),
	)

	_, err := c.Next()
	require.NoError(t, err)

	_, err = c.Next()
	require.Error(t, err)
	require.True(t, robust.IsKind(err, robust.StreamOrderViolation))
}

type traceBranch struct {
	name  string
	trace *[]string
}

func (b *traceBranch) CanFastProcess(idx rorp.Index, r *rorp.Record) bool {
	return !r.IsDir()
}

func (b *traceBranch) FastProcess(idx rorp.Index, r *rorp.Record) error {
	*b.trace = append(*b.trace, "leaf "+idx.String())
	return nil
}

func (b *traceBranch) StartDirectory(idx rorp.Index, r *rorp.Record) error {
	b.name = idx.String()
	*b.trace = append(*b.trace, "start "+b.name)

	return nil
}

func (b *traceBranch) EndDirectory() error {
	*b.trace = append(*b.trace, "end "+b.name)
	return nil
}

func TestTreeReducerOrder(t *testing.T) {
	var trace []string

	itr := rorpiter.NewTreeReducer(func() rorpiter.Branch {
		return &traceBranch{trace: &trace}
	})

	stream := []*rorp.Record{
		dirRec(),
		dirRec("a"),
		rec("a", "f1"),
		dirRec("a", "sub"),
		rec("a", "sub", "f2"),
		rec("b"),
		dirRec("c"),
		rec("c", "f3"),
	}

	for _, r := range stream {
		require.NoError(t, itr.Process(r))
	}

	require.NoError(t, itr.Finish())

	require.Equal(t, []string{
		"start .",
		"start a",
		"leaf a/f1",
		"start a/sub",
		"leaf a/sub/f2",
		"end a/sub",
		"end a",
		"leaf b",
		"start c",
		"leaf c/f3",
		"end c",
		"end .",
	}, trace)
}

func TestFillIn(t *testing.T) {
	root := dirRec()

	resolved := map[string]*rorp.Record{
		"a":     dirRec("a"),
		"a/sub": dirRec("a", "sub"),
	}

	in := rorpiter.FromSlice([]*rorp.Record{
		rec("a", "sub", "deep"),
		rec("b"),
	})

	out := rorpiter.FillIn(in, root, func(idx rorp.Index) *rorp.Record {
		return resolved[idx.String()]
	})

	var got []string

	for {
		r, err := out.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		got = append(got, fmt.Sprintf("%s:%s", r.Index, r.Type))
	}

	require.Equal(t, []string{
		".:dir",
		"a:dir",
		"a/sub:dir",
		"a/sub/deep:reg",
		"b:reg",
	}, got)
}

func TestFillInStreamCarriesRoot(t *testing.T) {
	streamRoot := dirRec()
	streamRoot.Perms = 0o750

	in := rorpiter.FromSlice([]*rorp.Record{streamRoot, rec("x")})

	out := rorpiter.FillIn(in, dirRec(), func(rorp.Index) *rorp.Record { return nil })

	first, err := out.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(0o750), first.Perms, "the stream's own root record wins")

	second, err := out.Next()
	require.NoError(t, err)
	require.Equal(t, "x", second.Index.String())

	_, err = out.Next()
	require.Equal(t, io.EOF, err)
}

func TestSubtractIndex(t *testing.T) {
	in := rorpiter.FromSlice([]*rorp.Record{
		rec("base", "sub"),
		rec("base", "sub", "f"),
	})

	out := rorpiter.SubtractIndex(rorp.Index{"base"}, in)

	r, err := out.Next()
	require.NoError(t, err)
	require.Equal(t, "sub", r.Index.String())

	r, err = out.Next()
	require.NoError(t, err)
	require.Equal(t, "sub/f", r.Index.String())

	_, err = out.Next()
	require.Equal(t, io.EOF, err)

	// records outside the base are a stream violation
	bad := rorpiter.SubtractIndex(rorp.Index{"base"},
		rorpiter.FromSlice([]*rorp.Record{rec("elsewhere")}))

	_, err = bad.Next()
	require.True(t, robust.IsKind(err, robust.StreamOrderViolation))

	// an empty base is the identity
	same := rorpiter.SubtractIndex(nil,
		rorpiter.FromSlice([]*rorp.Record{rec("a")}))

	r, err = same.Next()
	require.NoError(t, err)
	require.Equal(t, "a", r.Index.String())
}

func TestFillInDropsFlush(t *testing.T) {
	in := rorpiter.FromSlice([]*rorp.Record{rorpiter.Flush, rec("x"), rorpiter.Flush})

	out := rorpiter.FillIn(in, dirRec(), func(rorp.Index) *rorp.Record { return nil })

	recs, err := rorpiter.Drain(out)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, ".", recs[0].Index.String())
	require.Equal(t, "x", recs[1].Index.String())
}
