// Package rdiff implements the rolling-checksum signature/delta/patch
// primitives the reverse-increment format is built on. The weak rolling
// hash is buzhash; block matches are confirmed with a truncated SHA-1.
//
// A delta produced from signature(A) and file B transforms A into B when
// patched; the engine uses this with A = the newly written mirror file and
// B = the previous mirror state, which makes every stored delta a reverse
// diff.
package rdiff

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/chmduquesne/rollinghash/buzhash32"
	"github.com/pkg/errors"
)

var (
	sigMagic   = []byte("rdsig\x01")
	deltaMagic = []byte("rdlt\x01")
)

const (
	minBlockSize = 2 << 10
	maxBlockSize = 64 << 10

	strongLen = 8

	opCopy    = 'C'
	opLiteral = 'L'

	maxLiteralRun = 1 << 16
)

// BlockSizeFor picks the signature block size for a file of the given
// length: 2 KiB for small files, otherwise size/512 rounded up to a power
// of two, capped at 64 KiB.
func BlockSizeFor(size int64) int {
	if size <= 1<<20 {
		return minBlockSize
	}

	bs := minBlockSize
	for int64(bs) < size/512 && bs < maxBlockSize {
		bs <<= 1
	}

	return bs
}

type sigBlock struct {
	weak   uint32
	length int
	strong [strongLen]byte
	offset int64
}

type signature struct {
	blockSize int
	blocks    []sigBlock
}

func strongOf(p []byte) (out [strongLen]byte) {
	sum := sha1.Sum(p)
	copy(out[:], sum[:strongLen])

	return out
}

func weakOf(p []byte) uint32 {
	h := buzhash32.New()
	h.Write(p)

	return h.Sum32()
}

// WriteSignature streams the rolling-checksum signature of r (whose total
// length is size) into w. Memory use is bounded by one block.
func WriteSignature(r io.Reader, size int64, w io.Writer) error {
	bs := BlockSizeFor(size)
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(sigMagic); err != nil {
		return errors.Wrap(err, "signature header")
	}

	var hdr [4]byte

	binary.BigEndian.PutUint32(hdr[:], uint32(bs))

	if _, err := bw.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "signature header")
	}

	block := make([]byte, bs)

	for {
		n, err := io.ReadFull(r, block)
		if n > 0 {
			var entry [4 + 4 + strongLen]byte

			binary.BigEndian.PutUint32(entry[0:], weakOf(block[:n]))
			binary.BigEndian.PutUint32(entry[4:], uint32(n))
			strong := strongOf(block[:n])
			copy(entry[8:], strong[:])

			if _, werr := bw.Write(entry[:]); werr != nil {
				return errors.Wrap(werr, "signature block")
			}
		}

		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return errors.Wrap(bw.Flush(), "signature flush")
		case err != nil:
			return errors.Wrap(err, "signature read")
		}
	}
}

func readSignature(r io.Reader) (*signature, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(sigMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Wrap(err, "signature magic")
	}

	if !bytes.Equal(magic, sigMagic) {
		return nil, errors.New("not a signature stream")
	}

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "signature header")
	}

	s := &signature{blockSize: int(binary.BigEndian.Uint32(hdr[:]))}
	if s.blockSize <= 0 || s.blockSize > maxBlockSize {
		return nil, errors.Errorf("invalid signature block size %v", s.blockSize)
	}

	var offset int64

	for {
		var entry [4 + 4 + strongLen]byte

		_, err := io.ReadFull(br, entry[:])
		if err == io.EOF {
			return s, nil
		}

		if err != nil {
			return nil, errors.Wrap(err, "signature block")
		}

		b := sigBlock{
			weak:   binary.BigEndian.Uint32(entry[0:]),
			length: int(binary.BigEndian.Uint32(entry[4:])),
			offset: offset,
		}
		copy(b.strong[:], entry[8:])

		offset += int64(b.length)
		s.blocks = append(s.blocks, b)
	}
}

type deltaWriter struct {
	w   *bufio.Writer
	lit []byte
}

func (d *deltaWriter) literal(p ...byte) error {
	d.lit = append(d.lit, p...)
	if len(d.lit) >= maxLiteralRun {
		return d.flushLiteral()
	}

	return nil
}

func (d *deltaWriter) flushLiteral() error {
	if len(d.lit) == 0 {
		return nil
	}

	var buf [binary.MaxVarintLen64]byte

	if err := d.w.WriteByte(opLiteral); err != nil {
		return err
	}

	n := binary.PutUvarint(buf[:], uint64(len(d.lit)))
	if _, err := d.w.Write(buf[:n]); err != nil {
		return err
	}

	if _, err := d.w.Write(d.lit); err != nil {
		return err
	}

	d.lit = d.lit[:0]

	return nil
}

func (d *deltaWriter) copyOp(offset int64, length int) error {
	if err := d.flushLiteral(); err != nil {
		return err
	}

	var buf [binary.MaxVarintLen64]byte

	if err := d.w.WriteByte(opCopy); err != nil {
		return err
	}

	n := binary.PutUvarint(buf[:], uint64(offset))
	if _, err := d.w.Write(buf[:n]); err != nil {
		return err
	}

	n = binary.PutUvarint(buf[:], uint64(length))
	_, err := d.w.Write(buf[:n])

	return err
}

// Delta reads a signature of the base file from sig and the new content
// from newr, and writes a delta to w that patches the base into the new
// content. Memory use is bounded by the signature plus one block.
func Delta(sig io.Reader, newr io.Reader, w io.Writer) error {
	s, err := readSignature(sig)
	if err != nil {
		return err
	}

	weakMap := make(map[uint32][]int, len(s.blocks))
	for i, b := range s.blocks {
		weakMap[b.weak] = append(weakMap[b.weak], i)
	}

	dw := &deltaWriter{w: bufio.NewWriter(w)}
	if _, err := dw.w.Write(deltaMagic); err != nil {
		return errors.Wrap(err, "delta header")
	}

	br := bufio.NewReader(newr)
	bs := s.blockSize

	window := make([]byte, bs)
	scratch := make([]byte, bs)
	head := 0

	matchTail := func(buf []byte) error {
		if len(buf) == 0 {
			return dw.flushLiteral()
		}

		weak := weakOf(buf)
		strong := strongOf(buf)

		for _, i := range weakMap[weak] {
			b := s.blocks[i]
			if b.length == len(buf) && b.strong == strong {
				if err := dw.copyOp(b.offset, b.length); err != nil {
					return err
				}

				return dw.flushLiteral()
			}
		}

		if err := dw.literal(buf...); err != nil {
			return err
		}

		return dw.flushLiteral()
	}

	n, rerr := io.ReadFull(br, window)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		return errors.Wrap(rerr, "delta read")
	}

	if n < bs {
		if err := matchTail(window[:n]); err != nil {
			return err
		}

		return errors.Wrap(dw.w.Flush(), "delta flush")
	}

	h := buzhash32.New()
	h.Write(window)

	// orderedWindow returns the window contents in stream order.
	orderedWindow := func() []byte {
		nn := copy(scratch, window[head:])
		copy(scratch[nn:], window[:head])

		return scratch
	}

	for {
		matched := false

		if idxs := weakMap[h.Sum32()]; len(idxs) > 0 {
			strong := strongOf(orderedWindow())

			for _, i := range idxs {
				b := s.blocks[i]
				if b.length == bs && b.strong == strong {
					if err := dw.copyOp(b.offset, b.length); err != nil {
						return err
					}

					matched = true

					break
				}
			}
		}

		if matched {
			n, rerr = io.ReadFull(br, window)
			head = 0

			if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
				return errors.Wrap(rerr, "delta read")
			}

			if n < bs {
				if err := matchTail(window[:n]); err != nil {
					return err
				}

				return errors.Wrap(dw.w.Flush(), "delta flush")
			}

			h.Reset()
			h.Write(window)

			continue
		}

		c, rerr := br.ReadByte()
		if rerr == io.EOF {
			if err := dw.literal(orderedWindow()...); err != nil {
				return err
			}

			if err := dw.flushLiteral(); err != nil {
				return err
			}

			return errors.Wrap(dw.w.Flush(), "delta flush")
		}

		if rerr != nil {
			return errors.Wrap(rerr, "delta read")
		}

		if err := dw.literal(window[head]); err != nil {
			return err
		}

		h.Roll(c)
		window[head] = c
		head = (head + 1) % bs
	}
}

// Patch applies a delta to the base file, writing the result to out, and
// returns the SHA-1 of the written content.
func Patch(base io.ReadSeeker, delta io.Reader, out io.Writer) (string, error) {
	br := bufio.NewReader(delta)

	magic := make([]byte, len(deltaMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return "", errors.Wrap(err, "delta magic")
	}

	if !bytes.Equal(magic, deltaMagic) {
		return "", errors.New("not a delta stream")
	}

	h := sha1.New()
	mw := io.MultiWriter(out, h)

	for {
		op, err := br.ReadByte()
		if err == io.EOF {
			return hex.EncodeToString(h.Sum(nil)), nil
		}

		if err != nil {
			return "", errors.Wrap(err, "delta op")
		}

		switch op {
		case opCopy:
			offset, err := binary.ReadUvarint(br)
			if err != nil {
				return "", errors.Wrap(err, "copy offset")
			}

			length, err := binary.ReadUvarint(br)
			if err != nil {
				return "", errors.Wrap(err, "copy length")
			}

			if _, err := base.Seek(int64(offset), io.SeekStart); err != nil {
				return "", errors.Wrap(err, "seek base")
			}

			if _, err := io.CopyN(mw, base, int64(length)); err != nil {
				return "", errors.Wrap(err, "copy from base")
			}

		case opLiteral:
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return "", errors.Wrap(err, "literal length")
			}

			if _, err := io.CopyN(mw, br, int64(length)); err != nil {
				return "", errors.Wrap(err, "literal data")
			}

		default:
			return "", errors.Errorf("unknown delta op 0x%02x", op)
		}
	}
}
