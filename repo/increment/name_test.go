package increment_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ottok/rdiff-backup/repo/increment"
)

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)

	s := increment.FormatTime(now)
	require.Contains(t, s, ":")

	parsed, err := increment.ParseTime(s)
	require.NoError(t, err)
	require.True(t, parsed.Equal(now))
}

func TestParseTimeCompat(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)

	compat := strings.ReplaceAll(increment.FormatTime(now), ":", "-")

	parsed, err := increment.ParseTime(compat)
	require.NoError(t, err)
	require.True(t, parsed.Equal(now))
}

func TestParseTimeCompatWithZone(t *testing.T) {
	loc := time.FixedZone("plus2", 2*3600)
	now := time.Date(2026, 8, 1, 12, 30, 45, 0, loc)

	canonical := increment.FormatTime(now)
	compat := strings.ReplaceAll(canonical, ":", "-")

	parsed, err := increment.ParseTime(compat)
	require.NoError(t, err)
	require.True(t, parsed.Equal(now))
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "yesterday", "2026-08-01", "2026-08-01T12:30"} {
		_, err := increment.ParseTime(s)
		require.Error(t, err, "%q", s)
	}
}

func TestNameGrammar(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)

	cases := []struct {
		base string
		kind increment.Kind
		gz   bool
	}{
		{"file.txt", increment.KindDiff, true},
		{"file.txt", increment.KindSnapshot, false},
		{"a.b.c", increment.KindMissing, false},
		{"dir", increment.KindDir, false},
		{"current_mirror", increment.KindData, false},
	}

	for _, tc := range cases {
		name := increment.MakeName(tc.base, now, tc.kind, tc.gz)

		base, ts, kind, gz, ok := increment.ParseName(name)
		require.True(t, ok, name)
		require.Equal(t, tc.base, base)
		require.True(t, ts.Equal(now))
		require.Equal(t, tc.kind, kind)
		require.Equal(t, tc.gz, gz)
	}
}

func TestParseNameRejectsNonIncrements(t *testing.T) {
	for _, name := range []string{
		"plainfile",
		"file.txt",
		"file.2026-08-01T12:30:45Z.unknownkind",
		"file.notatime.diff",
	} {
		_, _, _, _, ok := increment.ParseName(name)
		require.False(t, ok, name)
	}
}
