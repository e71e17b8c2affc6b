// Package crcfile computes the word-oriented CRC32 used to tag files in
// directory listings. It matches the STM32 hardware CRC unit: polynomial
// 0x04C11DB7, MSB first, initial value 0xFFFFFFFF, fed with little-endian
// 32-bit words and no final XOR. The peer verifies transfers with that unit,
// so the result differs from hash/crc32.
package crcfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrInvalidArgument reports a misaligned offset or an out-of-range length.
	ErrInvalidArgument = errors.New("crcfile: invalid argument")
	// ErrIO reports a failed or short read.
	ErrIO = errors.New("crcfile: i/o error")
)

// Init is the accumulator value before any word is folded in.
const Init uint32 = 0xFFFFFFFF

const readBlock = 4096

var nibbleTable = [16]uint32{
	0x00000000, 0x04C11DB7, 0x09823B6E, 0x0D4326D9,
	0x130476DC, 0x17C56B6B, 0x1A864DB2, 0x1E475005,
	0x2608EDB8, 0x22C9F00F, 0x2F8AD6D6, 0x2B4BCB61,
	0x350C9B64, 0x31CD86D3, 0x3C8EA00A, 0x384FBDBD,
}

// Digest is a running CRC over a word stream.
type Digest struct {
	crc uint32
}

// New returns a Digest seeded with Init.
func New() *Digest {
	return &Digest{crc: Init}
}

// Reset reseeds the digest.
func (d *Digest) Reset() { d.crc = Init }

// Sum32 returns the current accumulator.
func (d *Digest) Sum32() uint32 { return d.crc }

// UpdateWord folds one 32-bit word into the accumulator.
func (d *Digest) UpdateWord(w uint32) {
	crc := d.crc ^ w
	for i := 0; i < 8; i++ {
		crc = (crc << 4) ^ nibbleTable[crc>>28]
	}
	d.crc = crc
}

// Update folds p into the accumulator. Complete 4-byte groups are read as
// little-endian words. A trailing 1 to 3 bytes is shifted into the high end
// of a word whose low bytes are padded with 0xFF, so Update must only be
// given a partial group once, at the end of the stream.
func (d *Digest) Update(p []byte) {
	for len(p) >= 4 {
		d.UpdateWord(binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	if len(p) > 0 {
		d.UpdateWord(tailWord(p))
	}
}

func tailWord(p []byte) uint32 {
	var w uint32
	for i := len(p) - 1; i >= 0; i-- {
		w = w<<8 | uint32(p[i])
	}
	r := uint(len(p))
	w <<= 8 * (4 - r)
	w |= 0xFFFFFFFF >> (8 * r)
	return w
}

// Checksum returns the CRC of an in-memory buffer.
func Checksum(p []byte) uint32 {
	d := New()
	d.Update(p)
	return d.Sum32()
}

// Compute returns the CRC of length bytes of r starting at start. A length
// of zero means through the end of the input. size is the total input size:
// start must be word aligned and below size, and length must not exceed it.
// A range running past the end of the input fails with ErrIO.
func Compute(r io.ReadSeeker, size, start, length int64) (uint32, error) {
	if start < 0 || start%4 != 0 || start >= size || length < 0 || length > size {
		return 0, fmt.Errorf("%w: start %d, length %d, size %d", ErrInvalidArgument, start, length, size)
	}
	if length == 0 {
		length = size - start
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek %d: %w", ErrIO, start, err)
	}

	d := New()
	buf := make([]byte, readBlock)
	for length > 0 {
		want := int(min(int64(len(buf)), length))
		n, err := io.ReadFull(r, buf[:want])
		if n != want {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: short read %d of %d: %w", ErrIO, n, want, err)
		}
		d.Update(buf[:n])
		length -= int64(n)
	}
	return d.Sum32(), nil
}

// ComputeFile is Compute over an open file, taking the size from Stat.
func ComputeFile(f *os.File, start, length int64) (uint32, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %w", ErrIO, err)
	}
	return Compute(f, fi.Size(), start, length)
}
