//go:build !windows

package rpath

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

func lstatRecord(abs string, idx rorp.Index) (*rorp.Record, error) {
	fi, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return rorp.NewAbsent(idx), nil
		}

		return nil, errors.Wrap(err, "lstat")
	}

	rec := &rorp.Record{
		Index:   idx.Clone(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().Unix(),
		Perms:   uint32(fi.Mode().Perm()),
	}

	if fi.Mode()&os.ModeSetuid != 0 {
		rec.Perms |= 0o4000
	}

	if fi.Mode()&os.ModeSetgid != 0 {
		rec.Perms |= 0o2000
	}

	if fi.Mode()&os.ModeSticky != 0 {
		rec.Perms |= 0o1000
	}

	switch {
	case fi.Mode().IsRegular():
		rec.Type = rorp.TypeRegular
	case fi.IsDir():
		rec.Type = rorp.TypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		rec.Type = rorp.TypeSymlink

		if target, rerr := os.Readlink(abs); rerr == nil {
			rec.SymlinkTarget = target
		}
	case fi.Mode()&os.ModeNamedPipe != 0:
		rec.Type = rorp.TypeFifo
	case fi.Mode()&os.ModeSocket != 0:
		rec.Type = rorp.TypeSocket
	case fi.Mode()&os.ModeDevice != 0:
		if fi.Mode()&os.ModeCharDevice != 0 {
			rec.Type = rorp.TypeCharDev
		} else {
			rec.Type = rorp.TypeBlockDev
		}
	default:
		rec.Type = rorp.TypeRegular
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		rec.UID = int(st.Uid)
		rec.GID = int(st.Gid)
		rec.Nlink = int(st.Nlink)
		rec.Inode = uint64(st.Ino)
		rec.DevNum = uint64(st.Dev)

		if rec.Type == rorp.TypeBlockDev || rec.Type == rorp.TypeCharDev {
			rdev := uint64(st.Rdev)
			rec.DevMajor = unix.Major(rdev)
			rec.DevMinor = unix.Minor(rdev)
		}
	}

	return rec, nil
}

// MkFifo creates a named pipe at p.
func (p *Path) MkFifo(perms uint32) error {
	p.invalidate()
	return errors.Wrap(unix.Mkfifo(p.Abs(), perms&0o7777), "mkfifo")
}

// MkSock creates a socket node at p.
func (p *Path) MkSock(perms uint32) error {
	p.invalidate()
	return errors.Wrap(unix.Mknod(p.Abs(), unix.S_IFSOCK|perms&0o7777, 0), "mksock")
}

// MkNod creates a block or character device node at p. Needs privileges.
func (p *Path) MkNod(typ rorp.FileType, major, minor, perms uint32) error {
	p.invalidate()

	mode := perms & 0o7777
	if typ == rorp.TypeBlockDev {
		mode |= unix.S_IFBLK
	} else {
		mode |= unix.S_IFCHR
	}

	dev := int(unix.Mkdev(major, minor))

	return errors.Wrap(unix.Mknod(p.Abs(), mode, dev), "mknod")
}

// Chown changes ownership of p without following symlinks.
func (p *Path) Chown(uid, gid int) error {
	return errors.Wrap(os.Lchown(p.Abs(), uid, gid), "chown")
}
