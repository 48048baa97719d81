// Package increment implements increment files: the timestamped reverse
// deltas, snapshots and markers stored next to the mirror tree, plus the
// filename grammar they share with the session markers and metadata files.
package increment

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimeFormat is the timestamp encoding used in all repository filenames.
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// Kind is the increment suffix.
type Kind string

// Increment kinds. KindData is used by session markers and statistics
// files, which share the filename grammar.
const (
	KindSnapshot Kind = "snapshot"
	KindDiff     Kind = "diff"
	KindDir      Kind = "dir"
	KindMissing  Kind = "missing"
	KindData     Kind = "data"
)

func validKind(k Kind) bool {
	switch k {
	case KindSnapshot, KindDiff, KindDir, KindMissing, KindData:
		return true
	default:
		return false
	}
}

// FormatTime renders t in the canonical filename encoding.
func FormatTime(t time.Time) string {
	return t.Truncate(time.Second).Format(TimeFormat)
}

// compatTimeRE matches the alternate encoding with ':' replaced by '-',
// used on filesystems that reject colons.
var compatTimeRE = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2})T(\d{2})-(\d{2})-(\d{2})(Z|[+-]\d{2}-\d{2})$`)

// ParseTime parses a filename timestamp in either the canonical or the
// compat encoding.
func ParseTime(s string) (time.Time, error) {
	if strings.Contains(s, ":") {
		t, err := time.Parse(TimeFormat, s)
		return t, errors.Wrapf(err, "bad timestamp %q", s)
	}

	m := compatTimeRE.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, errors.Errorf("bad timestamp %q", s)
	}

	zone := m[5]
	if zone != "Z" {
		zone = zone[:3] + ":" + zone[4:]
	}

	canonical := m[1] + "T" + m[2] + ":" + m[3] + ":" + m[4] + zone

	t, err := time.Parse(TimeFormat, canonical)

	return t, errors.Wrapf(err, "bad timestamp %q", s)
}

// MakeName builds an increment filename from its parts.
func MakeName(base string, t time.Time, kind Kind, compressed bool) string {
	name := base + "." + FormatTime(t) + "." + string(kind)
	if compressed {
		name += ".gz"
	}

	return name
}

// ParseName splits an increment filename into base, timestamp, kind and
// compression flag. ok is false for names that are not increments.
func ParseName(filename string) (base string, t time.Time, kind Kind, compressed bool, ok bool) {
	rest := filename

	if strings.HasSuffix(rest, ".gz") {
		compressed = true
		rest = strings.TrimSuffix(rest, ".gz")
	}

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return "", time.Time{}, "", false, false
	}

	kind = Kind(rest[dot+1:])
	if !validKind(kind) {
		return "", time.Time{}, "", false, false
	}

	rest = rest[:dot]

	dot = strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return "", time.Time{}, "", false, false
	}

	// the timestamp itself contains dots in neither encoding, so the
	// rightmost dot separates it from the base
	ts, err := ParseTime(rest[dot+1:])
	if err != nil {
		return "", time.Time{}, "", false, false
	}

	return rest[:dot], ts, kind, compressed, true
}
