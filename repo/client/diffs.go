// Package client implements the non-repository side of the pipeline: it
// turns the signature stream coming back from the repository into a diff
// stream during backup, and writes restored records out to a target tree
// during restore.
package client

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

var log = logging.Logger("rdiff/client")

// Diffs maps the signature stream onto a diff stream against the source
// tree: a delta where the repository sent a signature, a full snapshot
// where it did not, a deletion marker where the source no longer has the
// file, and a bare link reference for hard-link followers. Flush markers
// pass through unchanged.
func Diffs(srcRoot *rpath.Path, sigs rorpiter.Iter, cfg *conf.Config) rorpiter.Iter {
	return rorpiter.FromFunc(func() (*rorp.Record, error) {
		for {
			sig, err := sigs.Next()
			if err != nil {
				return nil, err
			}

			if rorpiter.IsFlush(sig) {
				return sig, nil
			}

			diff := oneDiff(srcRoot, sig, cfg)
			if diff != nil {
				return diff, nil
			}
		}
	})
}

func oneDiff(srcRoot *rpath.Path, sig *rorp.Record, cfg *conf.Config) *rorp.Record {
	idx := sig.Index

	if sig.IsFlagLinked() {
		src := srcRoot.NewIndex(idx).Record().Clone()
		src.FlagLinked(sig.LinkedTo)

		return src
	}

	p := srcRoot.NewIndex(idx)

	src := p.Record().Clone()
	if !src.Exists() {
		// deleted on the source; an empty snapshot diff removes it
		del := rorp.NewAbsent(idx)
		del.Attached = rorp.AttachedSnapshot

		return del
	}

	if sig.Attached == rorp.AttachedSignature && src.IsReg() {
		src.Attached = rorp.AttachedDiff
		src.Payload = deltaPayload(p, sig)

		return src
	}

	src.Attached = rorp.AttachedSnapshot

	if src.IsReg() {
		src.Payload = func() (io.ReadCloser, error) {
			return p.Open()
		}
	}

	return src
}

// deltaPayload computes the delta lazily; the pipe keeps memory bounded
// while the consumer streams it into the increment.
func deltaPayload(p *rpath.Path, sig *rorp.Record) rorp.PayloadFunc {
	return func() (io.ReadCloser, error) {
		sigRd, err := sig.OpenPayload()
		if err != nil {
			return nil, err
		}

		f, err := p.Open()
		if err != nil {
			sigRd.Close() //nolint:errcheck
			return nil, err
		}

		pr, pw := io.Pipe()

		go func() {
			defer f.Close()     //nolint:errcheck
			defer sigRd.Close() //nolint:errcheck

			pw.CloseWithError(rdiff.Delta(sigRd, f, pw)) //nolint:errcheck
		}()

		return pr, nil
	}
}
