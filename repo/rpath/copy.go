package rpath

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

// CopyAttribs applies the attributes of rec to the object at p: ownership
// (best effort when unprivileged), permissions and mtime. Symlinks only get
// ownership; their permissions and times are not settable portably.
func CopyAttribs(rec *rorp.Record, p *Path) error {
	if rec.Type == rorp.TypeSymlink {
		if err := p.Chown(rec.UID, rec.GID); err != nil && !os.IsPermission(errors.Cause(err)) {
			return err
		}

		return nil
	}

	if err := p.Chown(rec.UID, rec.GID); err != nil && !os.IsPermission(errors.Cause(err)) {
		return err
	}

	if err := p.Chmod(rec.Perms); err != nil {
		return err
	}

	return p.Chtimes(time.Unix(rec.ModTime, 0))
}

// CopyWithHash streams r into a new file at p and returns the SHA-1 and
// byte count of the written content.
func CopyWithHash(r io.Reader, p *Path) (string, int64, error) {
	f, err := p.Create()
	if err != nil {
		return "", 0, err
	}

	h := sha1.New()

	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return "", n, errors.Wrap(err, "copy content")
	}

	p.invalidate()

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CopyContent materializes rec at p: regular content from the attached
// payload, symlink targets, and special nodes by type. It returns the
// SHA-1 for regular files.
func CopyContent(rec *rorp.Record, p *Path) (string, error) {
	switch rec.Type {
	case rorp.TypeRegular:
		rd, err := rec.OpenPayload()
		if err != nil {
			return "", err
		}

		if rd == nil {
			// attribute-only record; an empty file is the best
			// available reconstruction
			return "", p.Touch()
		}

		defer rd.Close() //nolint:errcheck

		sum, _, err := CopyWithHash(rd, p)

		return sum, err

	case rorp.TypeSymlink:
		return "", p.Symlink(rec.SymlinkTarget)

	case rorp.TypeFifo:
		return "", p.MkFifo(rec.Perms)

	case rorp.TypeSocket:
		return "", p.MkSock(rec.Perms)

	case rorp.TypeBlockDev, rorp.TypeCharDev:
		return "", p.MkNod(rec.Type, rec.DevMajor, rec.DevMinor, rec.Perms)

	case rorp.TypeDirectory:
		return "", p.Mkdir()

	default:
		return "", errors.Errorf("cannot copy record of type %q", rec.Type)
	}
}
