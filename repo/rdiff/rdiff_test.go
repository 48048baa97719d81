package rdiff_test

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/rdiff"
)

func roundTrip(t *testing.T, base, target []byte) {
	t.Helper()

	var sig bytes.Buffer

	require.NoError(t, rdiff.WriteSignature(bytes.NewReader(base), int64(len(base)), &sig))

	var delta bytes.Buffer

	require.NoError(t, rdiff.Delta(bytes.NewReader(sig.Bytes()), bytes.NewReader(target), &delta))

	var out bytes.Buffer

	sum, err := rdiff.Patch(bytes.NewReader(base), bytes.NewReader(delta.Bytes()), &out)
	require.NoError(t, err)

	require.Equal(t, target, out.Bytes())

	want := sha1.Sum(target)
	require.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestRoundTripSmall(t *testing.T) {
	roundTrip(t, []byte("aa"), []byte("bb"))
	roundTrip(t, []byte("hello world"), []byte("hello brave world"))
}

func TestRoundTripEmpty(t *testing.T) {
	roundTrip(t, nil, nil)
	roundTrip(t, []byte("something"), nil)
	roundTrip(t, nil, []byte("from nothing"))
}

func TestRoundTripIdentical(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	data := make([]byte, 100000)
	rnd.Read(data)

	roundTrip(t, data, data)
}

func TestRoundTripLargeEdits(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))

	base := make([]byte, 300000)
	rnd.Read(base)

	// middle insertion
	target := append([]byte{}, base[:120000]...)
	target = append(target, []byte("inserted run of new bytes")...)
	target = append(target, base[120000:]...)
	roundTrip(t, base, target)

	// prefix removal
	roundTrip(t, base, base[50000:])

	// complete rewrite
	other := make([]byte, 200000)
	rnd.Read(other)
	roundTrip(t, base, other)
}

func TestRoundTripTailChange(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))

	base := make([]byte, 70000)
	rnd.Read(base)

	target := append([]byte{}, base...)
	target = append(target, []byte("trailing addition")...)

	roundTrip(t, base, target)
}

func TestDeltaIsSmallForSmallChange(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))

	base := make([]byte, 1<<20)
	rnd.Read(base)

	target := append([]byte{}, base...)
	target[555555] ^= 0xff

	var sig bytes.Buffer
	require.NoError(t, rdiff.WriteSignature(bytes.NewReader(base), int64(len(base)), &sig))

	var delta bytes.Buffer
	require.NoError(t, rdiff.Delta(bytes.NewReader(sig.Bytes()), bytes.NewReader(target), &delta))

	require.Less(t, delta.Len(), len(target)/10,
		"a one-byte edit must not produce a delta anywhere near full size")
}

func TestBlockSizeFor(t *testing.T) {
	require.Equal(t, 2048, rdiff.BlockSizeFor(0))
	require.Equal(t, 2048, rdiff.BlockSizeFor(1<<20))
	require.LessOrEqual(t, rdiff.BlockSizeFor(1<<30), 64<<10)
}

func TestPatchRejectsGarbage(t *testing.T) {
	var out bytes.Buffer

	_, err := rdiff.Patch(bytes.NewReader(nil), bytes.NewReader([]byte("not a delta")), &out)
	require.Error(t, err)
}
